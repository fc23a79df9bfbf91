package config

import (
	"encoding/json"
	"fmt"

	yaml "go.yaml.in/yaml/v3"
)

// yamlToJSON rewrites a YAML document as JSON so both config formats go
// through the same strict decoder. yaml/v3 decodes mappings into
// map[string]any, so the round trip through encoding/json is lossless for
// anything Config can hold.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding yaml as json: %w", err)
	}
	return j, nil
}
