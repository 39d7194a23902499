package orchestration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nexoraai/orchestrator/pkg/domain"
)

// LocalSaveExecutor writes save requests straight to the local
// filesystem, backing up an existing file to path+".bak" before
// overwriting it. Trimmed to the coordinator.SaveExecutor shape: no
// extension allow/deny lists or jsonschema-driven args, since the
// Coordinator's own rule chain already screens paths and content before
// a request reaches here.
type LocalSaveExecutor struct {
	WorkingDirectory string
	Backup           bool
}

// NewLocalSaveExecutor builds an executor rooted at dir. An empty dir
// defaults to the current working directory.
func NewLocalSaveExecutor(dir string) *LocalSaveExecutor {
	if dir == "" {
		dir = "."
	}
	return &LocalSaveExecutor{WorkingDirectory: dir, Backup: true}
}

// Execute implements coordinator.SaveExecutor.
func (e *LocalSaveExecutor) Execute(ctx context.Context, op domain.SaveOperation, path, content string) (int, error) {
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) || strings.Contains(cleaned, "..") {
		return 0, fmt.Errorf("refusing to write outside working directory: %s", path)
	}
	full := filepath.Join(e.WorkingDirectory, cleaned)

	if op == domain.OpFileDelete {
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("delete %s: %w", path, err)
		}
		return 0, nil
	}

	if e.Backup {
		if data, err := os.ReadFile(full); err == nil {
			_ = os.WriteFile(full+".bak", data, 0644)
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", path, err)
	}

	if op == domain.OpFileAppend {
		f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("append %s: %w", path, err)
		}
		defer f.Close()
		n, err := f.WriteString(content)
		return n, err
	}

	// OpFileWrite, OpConfigUpdate: create-or-overwrite.
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(content), nil
}
