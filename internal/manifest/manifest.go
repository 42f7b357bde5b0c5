// Package manifest parses and evaluates the .eifl.json pipeline manifest.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FileName is the manifest's path at the repository root.
const FileName = ".eifl.json"

// Manifest is the parsed pipeline manifest.
type Manifest struct {
	Name       string    `json:"name"`
	Triggers   *Triggers `json:"triggers,omitempty"`
	RunnerTags []string  `json:"runner_tags,omitempty"`
	Steps      []Step    `json:"steps"`
}

// Triggers declares when the pipeline runs. A nil Triggers means the
// pipeline triggers on every push.
type Triggers struct {
	Push     *PushTrigger    `json:"push,omitempty"`
	Manual   bool            `json:"manual,omitempty"`
	Schedule []ScheduleEntry `json:"schedule,omitempty"`
}

// PushTrigger restricts push triggering to matching branches. Empty or
// absent Branches matches every branch.
type PushTrigger struct {
	Branches []string `json:"branches,omitempty"`
}

// ScheduleEntry is one cron schedule.
type ScheduleEntry struct {
	Cron string `json:"cron"`
}

// Step declares one shell command.
type Step struct {
	Name         string   `json:"name"`
	Run          string   `json:"run"`
	CaptureSizes []string `json:"capture_sizes,omitempty"`
	If           string   `json:"if,omitempty"`
}

// ParseError identifies the offending manifest field.
type ParseError struct {
	Field string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("manifest: field %q: %s", e.Field, e.Msg)
}

// Parse decodes and validates manifest JSON.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{Field: "(document)", Msg: err.Error()}
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, &ParseError{Field: "name", Msg: "must be a non-empty string"}
	}
	if len(m.Steps) == 0 {
		return nil, &ParseError{Field: "steps", Msg: "at least one step is required"}
	}
	for i, s := range m.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return nil, &ParseError{Field: fmt.Sprintf("steps[%d].name", i), Msg: "must be a non-empty string"}
		}
		if strings.TrimSpace(s.Run) == "" {
			return nil, &ParseError{Field: fmt.Sprintf("steps[%d].run", i), Msg: "must be a non-empty string"}
		}
	}
	if m.Triggers != nil {
		for i, sch := range m.Triggers.Schedule {
			if strings.TrimSpace(sch.Cron) == "" {
				return nil, &ParseError{Field: fmt.Sprintf("triggers.schedule[%d].cron", i), Msg: "must be a non-empty string"}
			}
		}
	}
	return &m, nil
}

// ShouldTriggerOnPush decides whether a push to branch creates a run. With
// no triggers section at all the pipeline triggers on every push; with a
// triggers section but no push entry it never triggers on push.
func (m *Manifest) ShouldTriggerOnPush(branch string) bool {
	if m.Triggers == nil {
		return true
	}
	if m.Triggers.Push == nil {
		return false
	}
	patterns := m.Triggers.Push.Branches
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if matchBranch(p, branch) {
			return true
		}
	}
	return false
}

// matchBranch supports "*" (all), "prefix*", "*suffix", and literal equality.
func matchBranch(pattern, branch string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(branch, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(branch, strings.TrimPrefix(pattern, "*"))
	default:
		return pattern == branch
	}
}

// Context supplies the variables a step condition may reference.
type Context struct {
	Trigger string
	Branch  string
}

// EvaluateStepCondition evaluates a step's "if" expression against ctx. The
// grammar is exactly `var == 'literal'` and `var != 'literal'` with optional
// whitespace. Unparseable conditions evaluate to false and the step is
// skipped; this fail-closed behavior is stable.
func EvaluateStepCondition(cond string, ctx Context) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true
	}

	op := "=="
	idx := strings.Index(cond, "==")
	if idx < 0 {
		op = "!="
		idx = strings.Index(cond, "!=")
	}
	if idx < 0 {
		return false
	}

	name := strings.TrimSpace(cond[:idx])
	rhs := strings.TrimSpace(cond[idx+2:])
	if len(rhs) < 2 || rhs[0] != '\'' || rhs[len(rhs)-1] != '\'' {
		return false
	}
	literal := rhs[1 : len(rhs)-1]

	var value string
	switch name {
	case "trigger":
		value = ctx.Trigger
	case "branch":
		value = ctx.Branch
	default:
		return false
	}

	if op == "==" {
		return value == literal
	}
	return value != literal
}
