// Package loader reads workflow definitions from YAML or JSON files
// and validates them against the embedded definition schema before
// handing them to the workflow compiler.
package loader

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/winops/wimcmd/workflow"
)

//go:embed definition.schema.json
var definitionSchema string

var compiled *jsonschema.Schema

func init() {
	var err error
	compiled, err = jsonschema.CompileString("definition.schema.json", definitionSchema)
	if err != nil {
		panic(fmt.Sprintf("compiling embedded workflow schema: %v", err))
	}
}

// Load reads, validates, and parses a workflow definition file. YAML
// and JSON are both accepted; YAML is converted to JSON before schema
// validation so the step config tagged union decodes the same way on
// both paths.
func Load(path string) (*workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition file: %w", err)
	}
	return Parse(data)
}

// Parse validates and parses a workflow definition document.
func Parse(data []byte) (*workflow.Definition, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing definition: %w", err)
	}
	doc = normalizeKeys(doc)

	if err := compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("validating definition: %w", err)
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling definition: %w", err)
	}
	def := new(workflow.Definition)
	if err = json.Unmarshal(jsonData, def); err != nil {
		return nil, fmt.Errorf("decoding definition: %w", err)
	}
	if err = def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// normalizeKeys converts YAML map[interface{}]interface{} values into
// the map[string]interface{} form the schema validator and JSON
// marshaler require.
func normalizeKeys(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = normalizeKeys(val)
		}
		return m
	case map[string]interface{}:
		for k, val := range v {
			v[k] = normalizeKeys(val)
		}
		return v
	case []interface{}:
		for i, val := range v {
			v[i] = normalizeKeys(val)
		}
		return v
	}
	return v
}
