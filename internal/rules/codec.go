package rules

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dbreno/netwarden/internal/core"
)

// codec converts a rule list to and from its on-disk form.
type codec interface {
	Marshal(rules []core.Rule) ([]byte, error)
	Unmarshal(data []byte) ([]core.Rule, error)
}

// codecFor picks the file format from the extension. Anything that is not
// YAML is treated as JSON.
func codecFor(path string) codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlCodec{}
	default:
		return jsonCodec{}
	}
}

type jsonCodec struct{}

func (jsonCodec) Marshal(rules []core.Rule) ([]byte, error) {
	if rules == nil {
		rules = []core.Rule{}
	}
	data, err := json.MarshalIndent(rules, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (jsonCodec) Unmarshal(data []byte) ([]core.Rule, error) {
	var rules []core.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

type yamlCodec struct{}

func (yamlCodec) Marshal(rules []core.Rule) ([]byte, error) {
	if rules == nil {
		rules = []core.Rule{}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rules); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (yamlCodec) Unmarshal(data []byte) ([]core.Rule, error) {
	var rules []core.Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}
