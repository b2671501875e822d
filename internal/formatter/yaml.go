package formatter

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/kura/internal/sandbox"
)

type YAMLFormatter struct{}

func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

func (f *YAMLFormatter) FormatInstances(instances []sandbox.Instance) (string, error) {
	return toYAML(nonNil(instances))
}

func (f *YAMLFormatter) FormatBases(bases []sandbox.BaseImage) (string, error) {
	return toYAML(nonNil(bases))
}

// toYAML goes through JSON first so the keys match the json tags on the sandbox types.
func toYAML(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(generic)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
