package ctxmgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTurnSignalsSaturationOnce(t *testing.T) {
	s := NewSessionContext("sess-1", GlobalContext{}, 100, nil)

	crossed, err := s.AddTurn(domain.Turn{TurnID: "t1", TokenUsage: 95})
	require.NoError(t, err)
	assert.True(t, crossed, "first turn past threshold should signal")

	crossed, err = s.AddTurn(domain.Turn{TurnID: "t2", TokenUsage: 1})
	require.NoError(t, err)
	assert.False(t, crossed, "latch must not re-signal until reset")
}

func TestFrozenSessionRejectsAddTurn(t *testing.T) {
	s := NewSessionContext("sess-2", GlobalContext{}, 100, nil)
	s.Freeze()
	_, err := s.AddTurn(domain.Turn{TurnID: "t1"})
	require.ErrorIs(t, err, ErrFrozen)
}

func TestBackupRestoreRoundTrips(t *testing.T) {
	s := NewSessionContext("sess-3", GlobalContext{}, 100, nil)
	_, _ = s.AddTurn(domain.Turn{TurnID: "t1", TokenUsage: 10})
	s.Backup()
	_, _ = s.AddTurn(domain.Turn{TurnID: "t2", TokenUsage: 1000})
	s.Restore()

	buf, usage := s.Snapshot()
	assert.Len(t, buf.Turns, 1)
	assert.Equal(t, 10, usage.TotalTokens)
}

func TestUsageRatioZeroLimitNeverDivides(t *testing.T) {
	s := NewSessionContext("sess-4", GlobalContext{}, 0, nil)
	crossed, err := s.AddTurn(domain.Turn{TurnID: "t1", TokenUsage: 50})
	require.NoError(t, err)
	assert.False(t, crossed)
}

func TestHeuristicCounterCJKVsLatin(t *testing.T) {
	h := HeuristicCounter{}
	latin := h.Count("", "abcdefgh") // 8 chars -> ~2 tokens
	assert.Equal(t, 2, latin)

	cjk := h.Count("", "你好世界你好世界") // 8 CJK chars -> ~5 tokens (8/1.5)
	assert.Equal(t, 5, cjk)
}

func TestModelRegistryUnknownDefaults(t *testing.T) {
	r := NewModelRegistry(nil)
	m := r.Lookup("acme", "mystery-model")
	assert.Equal(t, domain.DefaultContextWindow, m.ContextWindow)
}

func TestModelRegistryRegisterOverridesDefault(t *testing.T) {
	r := NewModelRegistry(nil)
	r.Register(domain.ModelMetadata{Provider: "openai", Model: "gpt-4", ContextWindow: 8192})
	m := r.Lookup("openai", "gpt-4")
	assert.Equal(t, 8192, m.ContextWindow)
}

func TestModelRegistryLoadFileRegistersEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	doc := `entries:
  - provider: openai
    model: gpt-4
    context_window: 8192
    max_input_tokens: 8192
    max_output_tokens: 4096
  - provider: acme
    model: tiny
    context_window: 2048
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	r := NewModelRegistry(nil)
	require.NoError(t, r.LoadFile(path))

	assert.Equal(t, 8192, r.Lookup("openai", "gpt-4").ContextWindow)
	assert.Equal(t, 2048, r.Lookup("acme", "tiny").ContextWindow)
}

func TestModelRegistryLoadFileRejectsNonPositiveWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	doc := `entries:
  - provider: acme
    model: broken
    context_window: 0
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	r := NewModelRegistry(nil)
	err := r.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context_window")
	// Nothing from the rejected file may have been registered.
	assert.Equal(t, domain.DefaultContextWindow, r.Lookup("acme", "broken").ContextWindow)
}
