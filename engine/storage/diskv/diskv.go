// Package diskv implements an engine storage backend using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/micromdm/nanotask/engine/storage/kv"
	"github.com/micromdm/nanotask/utils/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a a diskv-backed engine storage backend.
type Diskv struct {
	*kv.KV
}

func New(path string) *Diskv {
	flatTransform := func(s string) []string { return []string{} }
	bucket := func(name string) *kvdiskv.KVDiskv {
		return kvdiskv.NewBucket(diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "engine", name),
			Transform:    flatTransform,
			CacheSizeMax: 1024 * 1024,
		}))
	}
	return &Diskv{KV: kv.New(
		bucket("task"),
		bucket("action"),
		bucket("token"),
		bucket("notification"),
	)}
}
