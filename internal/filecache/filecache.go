// Package filecache persists lowered function code between processes,
// keyed by the content digest of the owning module. A cache hit lets a
// compiled tier skip lowering entirely.
package filecache

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/ferrovm/ferro/internal/ir"
)

// Key identifies a module by content. Compute it with ModuleKey.
type Key [sha256.Size]byte

// ModuleKey digests a module's canonical encoding.
func ModuleKey(encoded []byte) Key { return sha256.Sum256(encoded) }

// Cache is a directory of compiled functions. Entries are written via a
// temporary file and rename, so a crashed writer never leaves a partial
// entry behind.
type Cache struct {
	dir string
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filecache: create %s: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) path(key Key, funcIndex uint32) string {
	return filepath.Join(c.dir, fmt.Sprintf("%x-%d.ir", key, funcIndex))
}

// Get returns the cached code for one function, with ok=false on a miss. A
// corrupt entry is treated as a miss and removed.
func (c *Cache) Get(key Key, funcIndex uint32) (*ir.Function, bool, error) {
	data, err := os.ReadFile(c.path(key, funcIndex))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("filecache: read: %w", err)
	}
	var f ir.Function
	if err := cbor.Unmarshal(data, &f); err != nil {
		_ = os.Remove(c.path(key, funcIndex))
		return nil, false, nil
	}
	return &f, true, nil
}

// Put stores the code for one function.
func (c *Cache) Put(key Key, funcIndex uint32, f *ir.Function) error {
	data, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("filecache: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, "put-*")
	if err != nil {
		return fmt.Errorf("filecache: temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("filecache: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("filecache: close: %w", err)
	}
	if err := os.Rename(name, c.path(key, funcIndex)); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("filecache: rename: %w", err)
	}
	return nil
}
