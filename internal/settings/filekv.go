package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"zstudio/internal/common/fsutil"
)

// FileKV is a KV backed by a JSON object on disk. Every Set rewrites the file
// through a temp file and rename.
type FileKV struct {
	mu   sync.Mutex
	path string
	m    map[string]string
}

// OpenFileKV loads path, treating a missing file as empty.
func OpenFileKV(path string) (*FileKV, error) {
	kv := &FileKV{path: path, m: map[string]string{}}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return kv, nil
	case err != nil:
		return nil, err
	}
	if len(b) == 0 {
		return kv, nil
	}
	if err := json.Unmarshal(b, &kv.m); err != nil {
		return nil, fmt.Errorf("settings file %s: %w", path, err)
	}
	if kv.m == nil {
		// A literal null decodes to a nil map.
		kv.m = map[string]string{}
	}
	return kv, nil
}

func (f *FileKV) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	return v, ok
}

func (f *FileKV) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.m[key]; ok && cur == value {
		return nil
	}
	f.m[key] = value
	return f.flushLocked()
}

func (f *FileKV) flushLocked() error {
	b, err := json.MarshalIndent(f.m, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(f.path, append(b, '\n'), 0o644)
}
