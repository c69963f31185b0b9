package extent

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bleepstore/bleepstore/internal/coreerrors"
)

// ListFilter constrains a List call. All fields are optional; a nil field
// imposes no constraint. This is the structured predicate the design notes
// call for in place of a query DSL: exact id, or a strict less-than bound on
// lastModifyMs.
type ListFilter struct {
	ID          *string
	OlderThanMs *int64
}

func (f ListFilter) matches(r *Record) bool {
	if f.ID != nil && r.ID != *f.ID {
		return false
	}
	if f.OlderThanMs != nil && r.LastModifyMs >= *f.OlderThanMs {
		return false
	}
	return true
}

// ListResult is a single page of catalog entries.
type ListResult struct {
	Records    []Record
	NextMarker *int64
}

// Catalog is the durable id -> Record index. It is the authoritative
// in-memory index, snapshotted to a single file on a ticker and on Close —
// a crash loses at most the changes since the last snapshot.
type Catalog struct {
	mu      sync.RWMutex
	path    string
	byID    map[string]*Record
	order   []*Record // sorted by Seq ascending; Delete removes entries immediately
	nextSeq int64
	dirty   bool

	autosaveInterval time.Duration
	stopCh           chan struct{}
	stoppedCh        chan struct{}
	closed           bool
}

// snapshot is the on-disk gob-encoded representation of the catalog.
type snapshot struct {
	Records []Record
	NextSeq int64
}

// Open loads the catalog from path if it exists, or creates an empty one,
// and starts the autosave ticker. Passing a non-positive autosaveInterval
// disables the background ticker (snapshots then happen only on Close or
// explicit Flush) — useful for deterministic tests.
func Open(path string, autosaveInterval time.Duration) (*Catalog, error) {
	c := &Catalog{
		path:             path,
		byID:             make(map[string]*Record),
		autosaveInterval: autosaveInterval,
		stopCh:           make(chan struct{}),
		stoppedCh:        make(chan struct{}),
	}

	if err := c.load(); err != nil {
		return nil, coreerrors.New(coreerrors.KindIOError, "extent.Catalog.Open", err)
	}

	// Persist once, materializing a just-created catalog file.
	if err := c.Flush(); err != nil {
		return nil, err
	}

	if autosaveInterval > 0 {
		go c.autosaveLoop()
	} else {
		close(c.stoppedCh)
	}

	return c, nil
}

func (c *Catalog) load() error {
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("decoding catalog snapshot: %w", err)
	}

	for i := range snap.Records {
		r := snap.Records[i]
		c.byID[r.ID] = &r
		c.order = append(c.order, &r)
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i].Seq < c.order[j].Seq })
	c.nextSeq = snap.NextSeq
	return nil
}

func (c *Catalog) autosaveLoop() {
	defer close(c.stoppedCh)
	ticker := time.NewTicker(c.autosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.Flush()
		case <-c.stopCh:
			return
		}
	}
}

// Flush snapshots the catalog to disk if there are unsaved changes, using
// the teacher's write-to-tmp-then-rename pattern for atomicity.
func (c *Catalog) Flush() error {
	c.mu.Lock()
	if !c.dirty && fileExists(c.path) {
		c.mu.Unlock()
		return nil
	}
	snap := snapshot{NextSeq: c.nextSeq}
	for _, r := range c.order {
		snap.Records = append(snap.Records, *r)
	}
	c.dirty = false
	c.mu.Unlock()

	if err := c.writeSnapshot(snap); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return coreerrors.New(coreerrors.KindIOError, "extent.Catalog.Flush", err)
	}
	return nil
}

func (c *Catalog) writeSnapshot(snap snapshot) error {
	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating catalog directory: %w", err)
		}
	}

	tmpPath := c.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp catalog file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encoding catalog snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing catalog snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing catalog snapshot: %w", err)
	}
	return os.Rename(tmpPath, c.path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Close stops the autosave ticker, performs a final flush, and marks the
// catalog closed. Subsequent operations return KindClosed.
func (c *Catalog) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.autosaveInterval > 0 {
		close(c.stopCh)
		<-c.stoppedCh
	}
	return c.Flush()
}

func (c *Catalog) checkOpen(op string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return coreerrors.New(coreerrors.KindClosed, op, nil)
	}
	return nil
}

// Upsert inserts a new record, assigning it the next sequence number, or
// updates an existing record's mutable fields in place (preserving Seq).
func (c *Catalog) Upsert(r Record) error {
	if err := c.checkOpen("extent.Catalog.Upsert"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byID[r.ID]; ok {
		existing.Size = r.Size
		existing.LastModifyMs = r.LastModifyMs
		existing.DestinationID = r.DestinationID
		existing.RelativePath = r.RelativePath
	} else {
		r.Seq = c.nextSeq
		c.nextSeq++
		rec := r
		c.byID[rec.ID] = &rec
		c.order = append(c.order, &rec)
	}
	c.dirty = true
	return nil
}

// Get returns the record for id, or (nil, nil) if absent.
func (c *Catalog) Get(id string) (*Record, error) {
	if err := c.checkOpen("extent.Catalog.Get"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// Delete removes the record for id. Idempotent: deleting an absent id is
// not an error, per the spec's intended "idempotent delete" contract.
func (c *Catalog) Delete(id string) error {
	if err := c.checkOpen("extent.Catalog.Delete"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byID[id]; !ok {
		return nil
	}
	delete(c.byID, id)
	for i, r := range c.order {
		if r.ID == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.dirty = true
	return nil
}

// List returns a page of records matching filter, starting strictly after
// marker (nil marker means from the start), capped at limit (default 5000
// when limit <= 0). NextMarker is set iff the page is full.
func (c *Catalog) List(filter ListFilter, marker *int64, limit int) (*ListResult, error) {
	if err := c.checkOpen("extent.Catalog.List"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5000
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	result := &ListResult{}
	for _, r := range c.order {
		if marker != nil && r.Seq <= *marker {
			continue
		}
		if !filter.matches(r) {
			continue
		}
		result.Records = append(result.Records, *r)
		if len(result.Records) == limit {
			seq := r.Seq
			result.NextMarker = &seq
			break
		}
	}
	return result, nil
}

// Iterator walks the whole catalog in batches, restartable from the
// beginning but not from an arbitrary point, as used by the garbage
// collector.
type Iterator struct {
	cat    *Catalog
	marker *int64
	done   bool
}

// IterateAll returns a fresh restartable iterator over the whole catalog.
func (c *Catalog) IterateAll() *Iterator {
	return &Iterator{cat: c}
}

// Next returns the next batch of up to batchSize records, or an empty batch
// and done=true when iteration is complete.
func (it *Iterator) Next(batchSize int) (batch []Record, done bool, err error) {
	if it.done {
		return nil, true, nil
	}
	res, err := it.cat.List(ListFilter{}, it.marker, batchSize)
	if err != nil {
		return nil, false, err
	}
	if res.NextMarker == nil {
		it.done = true
	} else {
		it.marker = res.NextMarker
	}
	return res.Records, false, nil
}

// Len returns the current number of catalog entries. Used for the
// catalog-size metric.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
