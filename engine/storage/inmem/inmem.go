// Package inmem implements an engine storage backend using a map-based key-value store.
package inmem

import (
	"github.com/micromdm/nanotask/engine/storage/kv"
	"github.com/micromdm/nanotask/utils/kv/kvmap"
)

// InMem is an in-memory engine storage backend.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(
		kvmap.NewBucket(),
		kvmap.NewBucket(),
		kvmap.NewBucket(),
		kvmap.NewBucket(),
	)}
}
