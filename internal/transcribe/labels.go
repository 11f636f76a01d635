package transcribe

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LanguageLabels maps language codes to display labels. Codes without an
// entry are shown as-is.
type LanguageLabels map[string]string

// DefaultLanguageLabels returns the built-in label table
func DefaultLanguageLabels() LanguageLabels {
	return LanguageLabels{
		"ur": "Urdu (Romanized)",
	}
}

// LoadLanguageLabels returns the defaults overlaid with the YAML mapping in
// path. An empty path yields the defaults.
func LoadLanguageLabels(path string) (LanguageLabels, error) {
	labels := DefaultLanguageLabels()
	if path == "" {
		return labels, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read language labels: %w", err)
	}
	var extra map[string]string
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parse language labels %s: %w", path, err)
	}
	for code, label := range extra {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		labels[code] = label
	}
	return labels, nil
}

// Label returns the display label for code
func (l LanguageLabels) Label(code string) string {
	if label, ok := l[strings.ToLower(code)]; ok {
		return label
	}
	return code
}

// FormatDuration renders seconds with one decimal place
func FormatDuration(seconds float64) string {
	return strconv.FormatFloat(math.Round(seconds*10)/10, 'f', 1, 64)
}
