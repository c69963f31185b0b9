// Package core implements Startup/Recovery (spec.md §4.I): a single Open
// call that wires destinations, the extent writer pool and reader, the
// extent metadata catalog, the garbage collector, the account and service
// properties stores, and the blob/queue metadata catalogs into one Store
// handle — no global state, per SPEC_FULL.md §3.I.
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bleepstore/bleepstore/internal/account"
	"github.com/bleepstore/bleepstore/internal/blobmeta"
	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/extent"
	"github.com/bleepstore/bleepstore/internal/metrics"
	"github.com/bleepstore/bleepstore/internal/queuemeta"
)

// maintenanceInterval is how often the store's background loop evicts idle
// open extents and samples the catalog-size gauge, alongside the separate
// GC sweep timer.
const maintenanceInterval = 30 * time.Second

// Store is the fully-wired persistence substrate: every component from
// spec.md §2 reachable through one handle, constructed once at startup.
type Store struct {
	cfg *config.Config

	Destinations *extent.DestinationSet
	Catalog      *extent.Catalog
	Writer       *extent.WriterPool
	Reader       *extent.Reader
	GC           *extent.GC

	Accounts          *account.Store
	ServiceProperties *account.PropertiesStore
	BlobMeta          *blobmeta.Store
	QueueMeta         *queuemeta.Store

	gcCtx    context.Context
	gcCancel context.CancelFunc

	maintCtx    context.Context
	maintCancel context.CancelFunc
}

// Open performs startup/recovery (spec.md §4.I): opens each metadata
// catalog, creating an empty one if its backing file does not yet exist;
// re-creates destinations and the writer pool; persists once to
// materialize any just-created store; and wires the garbage collector
// against the blob and queue metadata catalogs as its reference sources.
// No active reconciliation against the filesystem is performed — mismatches
// surface lazily on read and are repaired by the next GC sweep, a
// deliberate O(catalog size) startup cost per spec.md §4.I.
func Open(cfg *config.Config) (*Store, error) {
	dests := make([]extent.Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		dests = append(dests, extent.Destination{
			ID:             d.ID,
			RootPath:       d.RootPath,
			MaxConcurrency: d.MaxConcurrency,
		})
	}
	destSet, err := extent.NewDestinationSet(dests)
	if err != nil {
		return nil, fmt.Errorf("opening destinations: %w", err)
	}

	if err := ensureParentDir(cfg.ExtentStore.CatalogPath); err != nil {
		return nil, err
	}
	catalog, err := extent.Open(cfg.ExtentStore.CatalogPath, time.Duration(cfg.ExtentStore.AutosaveIntervalSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("opening extent catalog: %w", err)
	}

	writer := extent.NewWriterPool(destSet, catalog, cfg.ExtentStore.RotationBytes, time.Duration(cfg.ExtentStore.IdleTimeoutSeconds)*time.Second)
	reader := extent.NewReader(destSet, catalog)

	if err := ensureParentDir(cfg.AccountsDBPath); err != nil {
		catalog.Close()
		return nil, err
	}
	accounts, err := account.Open(cfg.AccountsDBPath)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("opening account store: %w", err)
	}

	props, err := account.OpenProperties(cfg.AccountsDBPath)
	if err != nil {
		accounts.Close()
		catalog.Close()
		return nil, fmt.Errorf("opening service properties store: %w", err)
	}

	if err := ensureParentDir(cfg.BlobMetadataDBPath); err != nil {
		props.Close()
		accounts.Close()
		catalog.Close()
		return nil, err
	}
	blobStore, err := blobmeta.Open(cfg.BlobMetadataDBPath)
	if err != nil {
		props.Close()
		accounts.Close()
		catalog.Close()
		return nil, fmt.Errorf("opening blob metadata store: %w", err)
	}

	if err := ensureParentDir(cfg.QueueMetadataDBPath); err != nil {
		blobStore.Close()
		props.Close()
		accounts.Close()
		catalog.Close()
		return nil, err
	}
	queueStore, err := queuemeta.Open(cfg.QueueMetadataDBPath)
	if err != nil {
		blobStore.Close()
		props.Close()
		accounts.Close()
		catalog.Close()
		return nil, fmt.Errorf("opening queue metadata store: %w", err)
	}

	gc := extent.NewGC(
		catalog,
		destSet,
		[]extent.ReferenceSource{blobStore, queueStore},
		time.Duration(cfg.GC.IntervalSeconds)*time.Second,
		time.Duration(cfg.GC.UnmodifiedWindowSeconds)*time.Second,
	)

	gcCtx, gcCancel := context.WithCancel(context.Background())
	maintCtx, maintCancel := context.WithCancel(context.Background())

	s := &Store{
		cfg:               cfg,
		Destinations:      destSet,
		Catalog:           catalog,
		Writer:            writer,
		Reader:            reader,
		GC:                gc,
		Accounts:          accounts,
		ServiceProperties: props,
		BlobMeta:          blobStore,
		QueueMeta:         queueStore,
		gcCtx:             gcCtx,
		gcCancel:          gcCancel,
		maintCtx:          maintCtx,
		maintCancel:       maintCancel,
	}

	go gc.Start(gcCtx)
	go s.maintenanceLoop(maintCtx)

	return s, nil
}

// maintenanceLoop periodically evicts idle open extents from the writer
// pool and samples the catalog-size gauge, running alongside the GC timer
// until Close cancels ctx.
func (s *Store) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Writer.EvictIdle()
			metrics.ExtentCatalogSize.Set(float64(s.Catalog.Len()))
		case <-ctx.Done():
			return
		}
	}
}

// SweepNow triggers an out-of-band GC sweep synchronously, bypassing the
// timer. Used by the ambient /admin/gc operator endpoint.
func (s *Store) SweepNow(ctx context.Context) {
	s.GC.Sweep(ctx)
}

// Close stops the GC loop, flushes and closes every open extent, persists
// the catalog, and closes the metadata stores.
func (s *Store) Close() error {
	s.maintCancel()
	s.gcCancel()
	s.GC.Stop()

	if err := s.Writer.Close(); err != nil {
		return err
	}
	s.QueueMeta.Close()
	s.BlobMeta.Close()
	s.ServiceProperties.Close()
	s.Accounts.Close()
	return s.Catalog.Close()
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %q: %w", dir, err)
	}
	return nil
}
