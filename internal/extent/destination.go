package extent

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/bleepstore/bleepstore/internal/coreerrors"
)

// Destination is a configured local directory plus a per-directory
// concurrency budget (max simultaneously open append files).
type Destination struct {
	ID             string
	RootPath       string
	MaxConcurrency int
}

// DestinationSet resolves destination ids to absolute paths and provides
// round-robin selection when a caller doesn't specify one. Destinations are
// named, not indexed by position, so on-disk records survive configuration
// reordering.
type DestinationSet struct {
	mu    sync.RWMutex
	byID  map[string]*Destination
	order []string // round-robin order
	next  int
}

// NewDestinationSet builds a DestinationSet from the given configured
// destinations, creating each root directory.
func NewDestinationSet(dests []Destination) (*DestinationSet, error) {
	ds := &DestinationSet{byID: make(map[string]*Destination)}
	for _, d := range dests {
		if err := ds.AddDestination(d); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// AddDestination registers a new destination at runtime. Adding
// destinations after startup is allowed per the spec.
func (ds *DestinationSet) AddDestination(d Destination) error {
	root, err := filepath.Abs(d.RootPath)
	if err != nil {
		return coreerrors.New(coreerrors.KindIOError, "extent.DestinationSet.AddDestination", err)
	}
	d.RootPath = root
	if err := os.MkdirAll(d.RootPath, 0o755); err != nil {
		return coreerrors.New(coreerrors.KindIOError, "extent.DestinationSet.AddDestination", err)
	}
	if d.MaxConcurrency <= 0 {
		d.MaxConcurrency = 1
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	dCopy := d
	if _, exists := ds.byID[d.ID]; !exists {
		ds.order = append(ds.order, d.ID)
	}
	ds.byID[d.ID] = &dCopy
	return nil
}

// Get returns the destination configuration for id, or UnknownDestination.
func (ds *DestinationSet) Get(id string) (*Destination, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	d, ok := ds.byID[id]
	if !ok {
		return nil, coreerrors.New(coreerrors.KindUnknownDestination, "extent.DestinationSet.Get", nil)
	}
	return d, nil
}

// Next returns the next destination in round-robin order. Used when a
// caller appends without specifying a destination.
func (ds *DestinationSet) Next() (*Destination, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if len(ds.order) == 0 {
		return nil, coreerrors.New(coreerrors.KindUnknownDestination, "extent.DestinationSet.Next", nil)
	}
	id := ds.order[ds.next%len(ds.order)]
	ds.next++
	return ds.byID[id], nil
}

// Resolve returns the absolute path for an extent living at relativePath
// under destinationID.
func (ds *DestinationSet) Resolve(destinationID, relativePath string) (string, error) {
	d, err := ds.Get(destinationID)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.RootPath, relativePath), nil
}

// Remove unregisters a destination. Callers must ensure no live extents
// remain in it first (the spec forbids removing a destination with live
// extents); this function does not itself consult the catalog.
func (ds *DestinationSet) Remove(id string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	delete(ds.byID, id)
	for i, existing := range ds.order {
		if existing == id {
			ds.order = append(ds.order[:i], ds.order[i+1:]...)
			break
		}
	}
}
