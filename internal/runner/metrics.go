package runner

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// metricPrefix marks a stdout line as a metric emission:
// ::metric::<key>=<numeric>[:<unit>]
const metricPrefix = "::metric::"

// ParseMetricLine parses a metric emission line. Returns false for lines
// that are not metric emissions or carry a non-numeric value.
func ParseMetricLine(line string) (Metric, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, metricPrefix) {
		return Metric{}, false
	}

	rest := strings.TrimPrefix(line, metricPrefix)
	key, valueStr, found := strings.Cut(rest, "=")
	if !found || key == "" {
		return Metric{}, false
	}

	unit := ""
	if v, u, hasUnit := strings.Cut(valueStr, ":"); hasUnit {
		valueStr, unit = v, u
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		return Metric{}, false
	}

	return Metric{Key: key, Value: value, Unit: unit}, true
}

// ExtractMetrics scans step output for metric emission lines.
func ExtractMetrics(output string) []Metric {
	var metrics []Metric
	for _, line := range strings.Split(output, "\n") {
		if m, ok := ParseMetricLine(line); ok {
			metrics = append(metrics, m)
		}
	}
	return metrics
}

// sanitizeSizeKey turns a file path into a metric key component: path
// separators and other non-identifier characters become underscores.
func sanitizeSizeKey(path string) string {
	var b strings.Builder
	for _, ch := range path {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9',
			ch == '.', ch == '-', ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// CaptureSizes measures files matching the patterns (relative to workDir)
// and reports each as a size.<sanitized-path> metric in bytes.
func CaptureSizes(workDir string, patterns []string) []Metric {
	var metrics []Metric
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(workDir, pattern))
		if err != nil {
			continue
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(workDir, match)
			if err != nil {
				rel = match
			}
			metrics = append(metrics, Metric{
				Key:   "size." + sanitizeSizeKey(rel),
				Value: float64(info.Size()),
				Unit:  "bytes",
			})
		}
	}
	return metrics
}
