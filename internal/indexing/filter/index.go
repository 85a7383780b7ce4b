package filter

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/graphnode/internal/manifest"
)

type entry struct {
	seq int
	ds  *manifest.DataSource
}

// SourceIndex tracks the data sources of a deployment by address. Sources
// without an address match every contract.
type SourceIndex struct {
	byAddress map[common.Address][]entry
	global    []entry
	all       []*manifest.DataSource
	keys      map[string]struct{}
	mu        sync.RWMutex
}

// NewSourceIndex creates an index holding sources in the given order.
func NewSourceIndex(sources ...*manifest.DataSource) *SourceIndex {
	idx := &SourceIndex{
		byAddress: make(map[common.Address][]entry),
		keys:      make(map[string]struct{}),
	}
	idx.AddBatch(sources)
	return idx
}

// Add appends a source. Returns false if a source with the same key is
// already tracked.
func (i *SourceIndex) Add(ds *manifest.DataSource) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.add(ds)
}

// AddBatch adds multiple sources.
func (i *SourceIndex) AddBatch(sources []*manifest.DataSource) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, ds := range sources {
		i.add(ds)
	}
}

func (i *SourceIndex) add(ds *manifest.DataSource) bool {
	key := ds.Key()
	if _, ok := i.keys[key]; ok {
		return false
	}
	i.keys[key] = struct{}{}

	e := entry{seq: len(i.all), ds: ds}
	i.all = append(i.all, ds)
	if ds.Address == nil {
		i.global = append(i.global, e)
		return true
	}
	i.byAddress[*ds.Address] = append(i.byAddress[*ds.Address], e)
	return true
}

// Lookup returns the sources listening to address, in the order they were added.
func (i *SourceIndex) Lookup(address common.Address) []*manifest.DataSource {
	i.mu.RLock()
	defer i.mu.RUnlock()

	specific := i.byAddress[address]
	out := make([]*manifest.DataSource, 0, len(specific)+len(i.global))
	a, g := 0, 0
	for a < len(specific) || g < len(i.global) {
		if g >= len(i.global) || (a < len(specific) && specific[a].seq < i.global[g].seq) {
			out = append(out, specific[a].ds)
			a++
			continue
		}
		out = append(out, i.global[g].ds)
		g++
	}
	return out
}

// Sources returns all tracked sources in insertion order.
func (i *SourceIndex) Sources() []*manifest.DataSource {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*manifest.DataSource, len(i.all))
	copy(out, i.all)
	return out
}

// Size returns the number of tracked sources.
func (i *SourceIndex) Size() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.all)
}

// Has reports whether a source with the given key is tracked.
func (i *SourceIndex) Has(key string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.keys[key]
	return ok
}
