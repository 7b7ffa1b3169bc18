// Package storage provides concrete SingletonStorage, IndexedStorage,
// and EventStorage backends for simuniverse.Repository, mirroring the
// teacher's ecs/storage split: the root package declares the storage
// interfaces, this package implements them and imports the root package,
// never the other way around.
package storage

import (
	"sync"

	simuniverse "github.com/arkvane/simuniverse"
)

// cell is the single-record storage backing a Singleton type, grounded
// on the teacher's denseStore slot (dense.go) collapsed to one slot.
// It holds only an RWMutex around each Get/Set; read/write access
// counting is done by the Access Arbiter, not here.
type cell struct {
	mu    sync.RWMutex
	value any
}

// NewCell constructs an empty singleton storage cell.
func NewCell() simuniverse.SingletonStorage {
	return &cell{}
}

func (c *cell) Get() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *cell) Set(value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
}

var _ simuniverse.SingletonStorage = (*cell)(nil)
