package extent

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/bleepstore/bleepstore/internal/coreerrors"
	"github.com/bleepstore/bleepstore/internal/metrics"
)

// DefaultGCInterval is how often the garbage collector fires when not
// configured explicitly.
const DefaultGCInterval = 10 * time.Minute

// DefaultUnmodifiedWindow is the minimum age an extent must reach before GC
// will consider reclaiming it — the safety fence against the
// append-then-reference race (spec §4.F, §4.G).
const DefaultUnmodifiedWindow = time.Hour

// ReferencePager yields successive pages of extent ids referenced by a
// higher-level catalog (e.g. blob or queue metadata). done is true once the
// final page has been returned.
type ReferencePager interface {
	NextPage(ctx context.Context) (ids []string, done bool, err error)
}

// ReferenceSource is implemented by higher-level metadata catalogs (the
// only coupling the core requires from them, per spec §6.3).
type ReferenceSource interface {
	OpenReferencedExtentPager() ReferencePager
}

// GC periodically sweeps the extent catalog, deleting extents that are
// unreferenced by every registered ReferenceSource and older than the
// unmodified window.
type GC struct {
	catalog *Catalog
	dests   *DestinationSet
	sources []ReferenceSource

	interval         time.Duration
	unmodifiedWindow time.Duration
	batchSize        int

	running atomic.Bool
	stopCh  chan struct{}
}

// NewGC constructs a GC. interval <= 0 uses DefaultGCInterval;
// unmodifiedWindow <= 0 uses DefaultUnmodifiedWindow.
func NewGC(catalog *Catalog, dests *DestinationSet, sources []ReferenceSource, interval, unmodifiedWindow time.Duration) *GC {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	if unmodifiedWindow <= 0 {
		unmodifiedWindow = DefaultUnmodifiedWindow
	}
	return &GC{
		catalog:          catalog,
		dests:            dests,
		sources:          sources,
		interval:         interval,
		unmodifiedWindow: unmodifiedWindow,
		batchSize:        1000,
		stopCh:           make(chan struct{}),
	}
}

// Start runs the periodic sweep loop until Stop is called.
func (g *GC) Start(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Sweep(ctx)
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates the periodic sweep loop started by Start.
func (g *GC) Stop() {
	close(g.stopCh)
}

// Sweep runs a single GC pass synchronously. A sweep already in progress
// causes a concurrent call to be dropped (returns immediately, counted as a
// no-op), matching the spec's "does not run concurrently with itself" rule.
func (g *GC) Sweep(ctx context.Context) {
	if !g.running.CompareAndSwap(false, true) {
		return
	}
	defer g.running.Store(false)

	referenced, err := g.accumulateReferenced(ctx)
	if err != nil {
		slog.Error("gc: failed to accumulate referenced extent ids", "error", err)
		return
	}

	cutoff := NowMs(time.Now()) - g.unmodifiedWindow.Milliseconds()

	var scanned, deleted int64
	var bytesReclaimed int64

	it := g.catalog.IterateAll()
	for {
		batch, done, err := it.Next(g.batchSize)
		if err != nil {
			slog.Error("gc: catalog iteration failed", "error", err)
			break
		}
		if done {
			break
		}
		for _, rec := range batch {
			scanned++
			if _, isReferenced := referenced[rec.ID]; isReferenced {
				continue
			}
			if rec.LastModifyMs >= cutoff {
				// Too young: may not yet be referenced by its
				// higher-level record. Skip unconditionally.
				continue
			}
			if g.deleteExtent(rec) {
				deleted++
				bytesReclaimed += rec.Size
			}
		}
	}

	metrics.GCSweepsTotal.Inc()
	metrics.GCExtentsScannedTotal.Add(float64(scanned))
	metrics.GCExtentsDeletedTotal.Add(float64(deleted))
	metrics.GCBytesReclaimedTotal.Add(float64(bytesReclaimed))

	slog.Info("gc sweep complete", "scanned", scanned, "deleted", deleted, "bytes_reclaimed", bytesReclaimed)
}

func (g *GC) accumulateReferenced(ctx context.Context) (map[string]struct{}, error) {
	referenced := make(map[string]struct{})
	for _, src := range g.sources {
		pager := src.OpenReferencedExtentPager()
		for {
			ids, done, err := pager.NextPage(ctx)
			if err != nil {
				return nil, coreerrors.New(coreerrors.KindIOError, "extent.GC.accumulateReferenced", err)
			}
			for _, id := range ids {
				referenced[id] = struct{}{}
			}
			if done {
				break
			}
		}
	}
	return referenced, nil
}

func (g *GC) deleteExtent(rec Record) bool {
	path, err := g.dests.Resolve(rec.DestinationID, rec.RelativePath)
	if err != nil {
		slog.Warn("gc: failed to resolve extent path, leaving catalog row in place", "extent_id", rec.ID, "destination_id", rec.DestinationID, "error", err)
		return false
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		slog.Warn("gc: failed to remove extent file", "extent_id", rec.ID, "error", rmErr)
		return false
	}
	if err := g.catalog.Delete(rec.ID); err != nil {
		slog.Warn("gc: failed to delete catalog row", "extent_id", rec.ID, "error", err)
		return false
	}
	return true
}
