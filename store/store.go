// Package store composes the memory and disk tiers into the public
// two-tier cache surface.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	creedmoor "github.com/bitemyapp/creedmoor"
	"github.com/bitemyapp/creedmoor/store/disktier"
	"github.com/bitemyapp/creedmoor/store/memtier"
	"github.com/bitemyapp/creedmoor/telemetry"
)

// Config configures a tiered cache.
type Config struct {
	// Path is the disk-tier database file.
	Path string

	// MemoryBudget sizes the disk store's working-set memory (its mmap
	// window hint). It does not bound the in-process tier; see
	// MemoryTierCapacity.
	MemoryBudget int64

	// DiskBudget is the hard ceiling on resident logical bytes on disk.
	DiskBudget int64

	// MemoryTierCapacity bounds the in-process tier. 0 disables it and
	// every operation goes straight to disk.
	MemoryTierCapacity int64

	// Compression enables transparent zstd compression of disk-tier values.
	Compression bool

	// Sizer overrides logical size computation for both tiers.
	Sizer creedmoor.Sizer

	// Logger for tier events. Defaults to slog.Default().
	Logger *slog.Logger

	// NoSync disables fsync per disk transaction (testing only).
	NoSync bool
}

// Stats is a point-in-time snapshot of both tiers.
type Stats struct {
	MemoryUsage    int64
	MemoryEntries  int
	MemoryCapacity int64
	DiskUsage      int64
	DiskEntries    int
	DiskBudget     int64
}

// Tiered is a two-tier cache: gets check the memory tier first and fall
// through to disk, back-filling memory on a disk hit; puts write the disk
// tier (authoritative) and then the memory tier.
//
// Each tier evicts independently within its own budget; there is no global
// recency ordering across tiers.
type Tiered struct {
	mu     sync.Mutex // single owner of the unsynchronized memory tier
	mem    *memtier.Cache
	disk   *disktier.Cache
	logger *slog.Logger
}

// Open opens a tiered cache at cfg.Path.
func Open(cfg Config) (*Tiered, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	diskOpts := []disktier.Option{
		disktier.WithLogger(cfg.Logger),
		disktier.WithCompression(cfg.Compression),
		disktier.WithNoSync(cfg.NoSync),
	}
	memOpts := []memtier.Option{}
	if cfg.Sizer != nil {
		diskOpts = append(diskOpts, disktier.WithSizer(cfg.Sizer))
		memOpts = append(memOpts, memtier.WithSizer(cfg.Sizer))
	}

	disk := disktier.New(cfg.MemoryBudget, cfg.DiskBudget, diskOpts...)
	if err := disk.Open(cfg.Path); err != nil {
		return nil, fmt.Errorf("opening disk tier: %w", err)
	}

	t := &Tiered{
		disk:   disk,
		logger: cfg.Logger,
	}
	if cfg.MemoryTierCapacity > 0 {
		t.mem = memtier.New(cfg.MemoryTierCapacity, memOpts...)
	}
	return t, nil
}

// Close closes the disk tier. The memory tier needs no teardown.
func (t *Tiered) Close() error {
	return t.disk.Close()
}

// Get returns the value for key, checking the memory tier before disk.
// Reads do not refresh recency on either tier. The returned slice is a copy
// the caller owns. Returns creedmoor.ErrNotFound when the key is resident in
// neither tier.
func (t *Tiered) Get(ctx context.Context, key []byte) ([]byte, error) {
	if t.mem != nil {
		t.mu.Lock()
		value, ok := t.mem.Get(key)
		t.mu.Unlock()
		telemetry.RecordMemoryGet(ctx, ok)
		if ok {
			out := make([]byte, len(value))
			copy(out, value)
			return out, nil
		}
	}

	value, err := t.disk.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if t.mem != nil {
		t.mu.Lock()
		_, evicted, evictedBytes := t.mem.Put(key, value)
		usage := t.mem.Usage()
		t.mu.Unlock()
		if evicted > 0 {
			telemetry.RecordMemoryEviction(ctx, evicted, evictedBytes)
		}
		telemetry.UpdateMemoryUsage(ctx, usage, t.mem.Capacity())
	}
	return value, nil
}

// Put stores value under key on the disk tier, then mirrors it into the
// memory tier. A disk-tier failure leaves the memory tier untouched so the
// tiers never disagree on a key the disk rejected.
func (t *Tiered) Put(ctx context.Context, key, value []byte) error {
	if err := t.disk.Put(ctx, key, value); err != nil {
		return err
	}

	if t.mem != nil {
		t.mu.Lock()
		stored, evicted, evictedBytes := t.mem.Put(key, value)
		usage := t.mem.Usage()
		t.mu.Unlock()

		result := "stored"
		if !stored {
			result = "dropped"
		}
		telemetry.RecordMemoryPut(ctx, int64(len(value)), result)
		if evicted > 0 {
			telemetry.RecordMemoryEviction(ctx, evicted, evictedBytes)
		}
		telemetry.UpdateMemoryUsage(ctx, usage, t.mem.Capacity())
	}
	return nil
}

// Stats returns a snapshot of both tiers.
func (t *Tiered) Stats() (Stats, error) {
	diskUsage, err := t.disk.Usage()
	if err != nil {
		return Stats{}, fmt.Errorf("reading disk usage: %w", err)
	}
	diskLen, err := t.disk.Len()
	if err != nil {
		return Stats{}, fmt.Errorf("reading disk entry count: %w", err)
	}

	s := Stats{
		DiskUsage:   diskUsage,
		DiskEntries: diskLen,
		DiskBudget:  t.disk.Budget(),
	}
	if t.mem != nil {
		t.mu.Lock()
		s.MemoryUsage = t.mem.Usage()
		s.MemoryEntries = t.mem.Len()
		s.MemoryCapacity = t.mem.Capacity()
		t.mu.Unlock()
	}
	return s, nil
}

