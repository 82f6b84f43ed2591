package inmem

import (
	"testing"

	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/engine/storage/test"
)

func TestInmemStorage(t *testing.T) {
	test.TestEngineStorage(t, func() storage.AllStorage { return New() })
}
