package output

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// YAMLFormatter renders values as YAML using their JSON field names.
type YAMLFormatter struct{}

// Format renders value as YAML.
func (f *YAMLFormatter) Format(value any) (string, error) {
	// Round-trip through JSON so keys follow the json tags.
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", err
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
