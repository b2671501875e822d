package formatter

import (
	"encoding/json"

	"github.com/harunnryd/kura/internal/sandbox"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) FormatInstances(instances []sandbox.Instance) (string, error) {
	return indent(nonNil(instances))
}

func (f *JSONFormatter) FormatBases(bases []sandbox.BaseImage) (string, error) {
	return indent(nonNil(bases))
}

func indent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
