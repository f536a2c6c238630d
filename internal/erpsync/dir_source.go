package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DirSource serves purchase invoices from *.json files in a directory. Each
// file holds one document: the Candidate header fields plus "items". Files
// that do not decode are skipped so a half-written document only affects
// itself.
type DirSource struct {
	dir    string
	logger *slog.Logger
}

func NewDirSource(dir string, logger *slog.Logger) (*DirSource, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("source directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DirSource{dir: dir, logger: logger}, nil
}

func (d *DirSource) Dir() string {
	return d.dir
}

type dirDocument struct {
	Candidate
	Items json.RawMessage `json:"items"`
}

func (d *DirSource) ListChanged(ctx context.Context, limit int) ([]Candidate, error) {
	paths, err := d.documentPaths()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, _, err := readDocument(path)
		if err != nil {
			d.logger.Warn("skipping unreadable invoice document", "path", path, "error", err)
			continue
		}
		out = append(out, doc.Candidate)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Modified != out[j].Modified {
			return out[i].Modified > out[j].Modified
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchFull returns the first document whose name matches. Other documents
// that fail to decode are passed over.
func (d *DirSource) FetchFull(ctx context.Context, externalID string) (Record, error) {
	paths, err := d.documentPaths()
	if err != nil {
		return Record{}, err
	}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		doc, data, err := readDocument(path)
		if err != nil || doc.ExternalID != externalID {
			continue
		}
		return decodeRecord(externalID, data)
	}
	return Record{}, fmt.Errorf("purchase invoice %s not found in %s", externalID, d.dir)
}

func (d *DirSource) documentPaths() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(d.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func readDocument(path string) (dirDocument, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return dirDocument{}, nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc dirDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return dirDocument{}, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, data, nil
}

// WatchDir calls onChange after *.json files in dir are created, written,
// renamed or removed. Bursts within debounce collapse into one call. It
// blocks until ctx is done.
func WatchDir(ctx context.Context, dir string, debounce time.Duration, onChange func(), logger *slog.Logger) error {
	if onChange == nil {
		return errors.New("onChange is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".json") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerCh = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("source directory watch error", "dir", dir, "error", err)
		case <-timerCh:
			timerCh = nil
			onChange()
		}
	}
}
