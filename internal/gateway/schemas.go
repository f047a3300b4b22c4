package gateway

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// metaToolSchemas is the literal JSON-Schema source for the three
// meta-tools' inputSchema fields, per spec.md §6. Compiled once at
// Dispatcher construction time via jsonschema/v6 rather than hand-rolled
// field presence checks (SPEC_FULL.md §1).
var metaToolSchemas = map[string]string{
	"use_tool": `{
		"type": "object",
		"properties": {
			"backend_server": {"type": "string"},
			"server_tool": {"type": "string"},
			"tool_arguments": {"type": "object"}
		},
		"required": ["backend_server", "server_tool", "tool_arguments"],
		"additionalProperties": false
	}`,
	"discover_backend_tools": `{
		"type": "object",
		"properties": {
			"backend_name": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"security_status": `{
		"type": "object",
		"additionalProperties": false
	}`,
}

// compiledSchemas holds the parsed schema documents for tools/list, plus
// the compiled validators used to check tools/call arguments.
type compiledSchemas struct {
	raw      map[string]map[string]any
	compiled map[string]*jsonschema.Schema
}

func compileMetaToolSchemas() (*compiledSchemas, error) {
	c := jsonschema.NewCompiler()
	raw := make(map[string]map[string]any, len(metaToolSchemas))
	compiled := make(map[string]*jsonschema.Schema, len(metaToolSchemas))

	for name, src := range metaToolSchemas {
		var doc map[string]any
		if err := json.Unmarshal([]byte(src), &doc); err != nil {
			return nil, err
		}
		raw[name] = doc

		resourceName := name + ".schema.json"
		if err := c.AddResource(resourceName, doc); err != nil {
			return nil, err
		}
		sch, err := c.Compile(resourceName)
		if err != nil {
			return nil, err
		}
		compiled[name] = sch
	}

	return &compiledSchemas{raw: raw, compiled: compiled}, nil
}

// validate checks args (decoded JSON, typically map[string]any) against
// the named meta-tool's compiled schema.
func (s *compiledSchemas) validate(toolName string, args any) error {
	sch, ok := s.compiled[toolName]
	if !ok {
		return nil
	}
	return sch.Validate(args)
}
