package decision

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// reflector mirrors function-calling schema settings: tags
// drive required-ness, nothing is split into $defs, and no $schema/$id
// noise leaks into the tool-call contract an LLM actually sees.
var reflector = &jsonschema.Reflector{
	RequiredFromJSONSchemaTags: true,
	ExpandedStruct:             true,
	DoNotReference:             true,
}

var (
	schemaCacheMu sync.Mutex
	schemaCache   = map[Kind]map[string]any{}
)

// ToolSchema returns the JSON-schema tool-call contract for kind, suitable
// for handing to an LLM provider alongside the decision_type discriminant.
// Schemas are generated once per kind and cached; the underlying struct
// shapes are fixed at compile time so there is nothing to invalidate.
func ToolSchema(kind Kind) (map[string]any, error) {
	schemaCacheMu.Lock()
	defer schemaCacheMu.Unlock()
	if cached, ok := schemaCache[kind]; ok {
		return cached, nil
	}
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown decision kind %q", kind)
	}
	m, err := schemaToMap(reflector.Reflect(ctor()))
	if err != nil {
		return nil, fmt.Errorf("generate schema for %s: %w", kind, err)
	}
	schemaCache[kind] = m
	return m, nil
}

// AllToolSchemas returns the tool-call contract for every one of the ten
// decision kinds, keyed by decision_type — the shape an LLM provider's
// tools/function list is built from.
func AllToolSchemas() (map[Kind]map[string]any, error) {
	out := make(map[Kind]map[string]any, len(registry))
	for kind := range registry {
		m, err := ToolSchema(kind)
		if err != nil {
			return nil, err
		}
		out[kind] = m
	}
	return out, nil
}

// schemaToMap converts a jsonschema.Schema to a plain map, stripping the
// $schema/$id fields an LLM tool-call contract has no use for.
func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}
