package ctxmgr

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/nexoraai/orchestrator/pkg/domain"
)

// modelEntry is the persisted shape of one model metadata record:
// entries: [{provider, model, context_window, max_input_tokens,
// max_output_tokens}].
type modelEntry struct {
	Provider        string `mapstructure:"provider"`
	Model           string `mapstructure:"model"`
	ContextWindow   int    `mapstructure:"context_window"`
	MaxInputTokens  int    `mapstructure:"max_input_tokens"`
	MaxOutputTokens int    `mapstructure:"max_output_tokens"`
}

type modelFile struct {
	Entries []modelEntry `mapstructure:"entries"`
}

// LoadFile reads a YAML or JSON model metadata document from path and
// registers every entry, replacing any existing entry for the same
// (provider, model) pair. Entries without a provider/model pair or with a
// non-positive context window are rejected as a whole-file error rather
// than silently skipped, since a bad registry would make every session
// under it misjudge saturation.
func (r *ModelRegistry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model metadata: %w", err)
	}

	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil { // YAML is a JSON superset
		return fmt.Errorf("parse model metadata: %w", err)
	}

	var doc modelFile
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &doc, WeaklyTypedInput: true})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(generic); err != nil {
		return fmt.Errorf("decode model metadata: %w", err)
	}

	for i, e := range doc.Entries {
		if e.Provider == "" || e.Model == "" {
			return fmt.Errorf("model metadata entry %d: provider and model are required", i)
		}
		if e.ContextWindow <= 0 {
			return fmt.Errorf("model metadata entry %d (%s/%s): context_window must be positive", i, e.Provider, e.Model)
		}
	}
	for _, e := range doc.Entries {
		r.Register(domain.ModelMetadata{
			Provider:        e.Provider,
			Model:           e.Model,
			ContextWindow:   e.ContextWindow,
			MaxInputTokens:  e.MaxInputTokens,
			MaxOutputTokens: e.MaxOutputTokens,
		})
	}
	return nil
}
