package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type jsonFileSaver struct {
	path string
}

// NewFileStore returns a MemoryStore whose committed state is mirrored to a
// JSON file. An existing file is loaded first.
func NewFileStore(path string) (*MemoryStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	saver := &jsonFileSaver{path: path}
	state, err := saver.load()
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		state: state,
		saver: saver,
		now:   time.Now,
	}, nil
}

func (s *jsonFileSaver) load() (*storeState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newStoreState(), nil
		}
		return nil, err
	}
	var state storeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("load %s: %w", s.path, err)
	}
	if state.Invoices == nil {
		state.Invoices = map[string]storedInvoice{}
	}
	if state.Cursors == nil {
		state.Cursors = map[string]string{}
	}
	if state.NextSeq <= 0 {
		state.NextSeq = 1
		for _, record := range state.Invoices {
			if record.Seq >= state.NextSeq {
				state.NextSeq = record.Seq + 1
			}
		}
	}
	return &state, nil
}

func (s *jsonFileSaver) save(state *storeState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
