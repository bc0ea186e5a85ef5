package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/weftlabs/weft/internal/syncer"
)

// outbox is the durable effect queue: one JSON file per pending effect,
// written via temp file + atomic rename. Filenames carry a monotonic
// sequence so execution order matches commit order.
type outbox struct {
	dir string
	seq atomic.Int64
}

func newOutbox(dir string) (*outbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox: %w", err)
	}
	o := &outbox{dir: dir}

	// Resume the sequence past any entries left by a previous run.
	entries, err := o.list()
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		last := entries[n-1]
		var seq int64
		if _, err := fmt.Sscanf(filepath.Base(last), "%016d-", &seq); err == nil {
			o.seq.Store(seq)
		}
	}
	return o, nil
}

// put persists one effect and returns its filename.
func (o *outbox) put(eff *syncer.Effect) (string, error) {
	raw, err := json.Marshal(eff)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%016d-%s.json", o.seq.Add(1), eff.ID)
	path := filepath.Join(o.dir, name)

	tmp, err := os.CreateTemp(o.dir, ".effect-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return path, nil
}

// list returns pending entry paths in sequence order.
func (o *outbox) list() ([]string, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		paths = append(paths, filepath.Join(o.dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// load reads one entry back.
func (o *outbox) load(path string) (*syncer.Effect, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var eff syncer.Effect
	if err := json.Unmarshal(raw, &eff); err != nil {
		return nil, fmt.Errorf("corrupt outbox entry %s: %w", filepath.Base(path), err)
	}
	return &eff, nil
}

// remove deletes a completed entry.
func (o *outbox) remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
