// Package disktier implements the persistent cache tier: a byte-budgeted,
// oldest-first-evicting store over bbolt.
//
// Three coupled buckets back each cache: object data, a recency index
// ordered by a monotonic write token, and a single persisted usage counter.
// Every put commits victim selection, victim removal, insertion, and usage
// accounting in one bbolt write transaction, so a crash or racing writer can
// never leave the three buckets mutually inconsistent.
package disktier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	creedmoor "github.com/bitemyapp/creedmoor"
	"github.com/bitemyapp/creedmoor/telemetry"
)

// ObjectTooLargeError is returned by Put when a value's charged size or raw
// length exceeds the disk budget. The object can never fit regardless of
// eviction, so it is rejected before any mutation.
type ObjectTooLargeError struct {
	Size   int64
	Budget int64
}

func (e *ObjectTooLargeError) Error() string {
	return fmt.Sprintf("object size %d exceeds disk budget %d", e.Size, e.Budget)
}

// Cache is the persistent tier. All methods are safe for concurrent use;
// bbolt serialises write transactions, so concurrent puts commit one at a
// time against a fresh view of the usage counter and recency index.
type Cache struct {
	db    *bbolt.DB
	codec *valueCodec

	memoryBudget int64
	diskBudget   int64
	sizer        creedmoor.Sizer
	logger       *slog.Logger
	compress     bool
	noSync       bool // disables fsync per transaction (for testing only)
}

// Option configures a Cache instance.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithSizer sets the function used to compute a value's logical size.
func WithSizer(sizer creedmoor.Sizer) Option {
	return func(c *Cache) {
		c.sizer = sizer
	}
}

// WithCompression enables transparent zstd compression of stored values.
// Budget accounting is unaffected: usage always tracks logical size.
func WithCompression(compress bool) Option {
	return func(c *Cache) {
		c.compress = compress
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(c *Cache) {
		c.noSync = noSync
	}
}

// New creates a Cache with the given budgets. memoryBudget sizes the
// underlying store's working-set memory (bbolt's initial mmap window), not a
// separate cache structure; diskBudget is the hard ceiling on resident
// logical bytes. Call Open before use.
func New(memoryBudget, diskBudget int64, opts ...Option) *Cache {
	c := &Cache{
		memoryBudget: memoryBudget,
		diskBudget:   diskBudget,
		sizer:        creedmoor.ByteLen,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open opens the database at the given path, creating the buckets and
// bootstrapping the usage counter to zero on first open. Reopening an
// existing path preserves the usage counter and all resident entries.
func (c *Cache) Open(path string) error {
	if c.diskBudget <= 0 {
		return fmt.Errorf("disk budget must be positive, got %d", c.diskBudget)
	}

	opts := &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  c.noSync,
	}
	if c.memoryBudget > 0 {
		opts.InitialMmapSize = int(c.memoryBudget)
	}

	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return fmt.Errorf("opening cache database: %w", err)
	}
	c.db = db

	if err := c.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := newValueCodec(c.compress, c.diskBudget)
	if err != nil {
		_ = db.Close()
		return err
	}
	c.codec = codec

	c.logger.Debug("opened disk tier",
		"path", path,
		"disk_budget", c.diskBudget,
		"compression", c.compress,
		"noSync", c.noSync)
	return nil
}

func (c *Cache) createBuckets() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketObjectData,
			bucketRecencyIndex,
			bucketRecencyByKey,
			bucketDiskUsage,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		// First-open bootstrap: the usage counter must always hold a value.
		usage := tx.Bucket(bucketDiskUsage)
		if usage.Get(usageKey) == nil {
			if err := usage.Put(usageKey, encodeUsage(0)); err != nil {
				return fmt.Errorf("initializing usage counter: %w", err)
			}
		}
		return nil
	})
}

// Close closes the database and releases codec resources.
func (c *Cache) Close() error {
	if c.codec != nil {
		c.codec.Close()
		c.codec = nil
	}
	if c.db == nil {
		return nil
	}
	c.logger.Debug("closing disk tier")
	return c.db.Close()
}

// Get retrieves the value for key. It is a side-effect-free point lookup:
// recency advances on writes only, so reads never reorder eviction.
// Returns creedmoor.ErrNotFound if the key is not resident.
func (c *Cache) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		env := tx.Bucket(bucketObjectData).Get(key)
		if env == nil {
			return creedmoor.ErrNotFound
		}

		decoded, err := c.codec.Decode(env)
		if err != nil {
			return fmt.Errorf("decoding value for key %q: %w", key, err)
		}
		value = decoded
		return nil
	})
	telemetry.RecordDiskGet(ctx, err == nil)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores value under key, evicting the oldest-written entries as needed
// to stay within the disk budget. Selection, removal, insertion, and usage
// accounting all commit in one transaction.
//
// Overwriting an existing key retires its previous recency record and size
// before eviction planning, so the key↔record bijection and the usage
// counter stay exact.
func (c *Cache) Put(ctx context.Context, key, value []byte) error {
	size := c.sizer(value)
	// The raw length is checked alongside the charged size: the codec caps
	// decodable logical sizes at the budget, so admitting a longer value
	// (possible with an undercounting sizer) would make it unreadable.
	if size > c.diskBudget || int64(len(value)) > c.diskBudget {
		telemetry.RecordDiskPut(ctx, size, "too_large")
		return &ObjectTooLargeError{Size: max(size, int64(len(value))), Budget: c.diskBudget}
	}

	env := c.codec.Encode(value)

	start := time.Now()
	var usageAfter int64
	var evictedCount int
	var evictedBytes int64

	err := c.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketObjectData)
		recency := tx.Bucket(bucketRecencyIndex)
		byKey := tx.Bucket(bucketRecencyByKey)
		usageBucket := tx.Bucket(bucketDiskUsage)

		// Transactional read: a racing put that committed first is visible
		// here, never a stale pre-transaction snapshot.
		usage := decodeUsage(usageBucket.Get(usageKey))

		if oldToken := byKey.Get(key); oldToken != nil {
			_, oldSize := parseRecencyRecord(recency.Get(oldToken))
			if err := recency.Delete(oldToken); err != nil {
				return fmt.Errorf("retiring stale recency record: %w", err)
			}
			usage -= oldSize
		}

		if usage+size > c.diskBudget {
			required := usage + size - c.diskBudget
			victims, freed, err := planEviction(recency.Cursor(), required)
			if err != nil {
				return err
			}
			for _, v := range victims {
				if err := data.Delete(v.key); err != nil {
					return fmt.Errorf("evicting key %q: %w", v.key, err)
				}
				if err := recency.Delete(v.token); err != nil {
					return fmt.Errorf("evicting recency record: %w", err)
				}
				if err := byKey.Delete(v.key); err != nil {
					return fmt.Errorf("evicting reverse index entry: %w", err)
				}
			}
			usage -= freed
			evictedCount, evictedBytes = len(victims), freed
		}

		token, err := recency.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating recency token: %w", err)
		}
		tokenKey := encodeToken(token)

		if err := data.Put(key, env); err != nil {
			return fmt.Errorf("putting object data: %w", err)
		}
		if err := recency.Put(tokenKey, makeRecencyRecord(key, size)); err != nil {
			return fmt.Errorf("putting recency record: %w", err)
		}
		if err := byKey.Put(key, tokenKey); err != nil {
			return fmt.Errorf("putting reverse index entry: %w", err)
		}

		usage += size
		if usage > c.diskBudget {
			// Unreachable when the invariants hold; aborting keeps the
			// committed state within budget rather than papering over a bug.
			return ErrEvictionShortfall
		}
		usageAfter = usage
		return usageBucket.Put(usageKey, encodeUsage(usage))
	})
	if err != nil {
		telemetry.RecordDiskPut(ctx, size, "error")
		return err
	}

	if evictedCount > 0 {
		c.logger.Debug("evicted entries",
			"count", evictedCount,
			"bytes", evictedBytes,
			"usage", usageAfter)
		telemetry.RecordDiskEviction(ctx, evictedCount, evictedBytes, time.Since(start))
	}
	telemetry.RecordDiskPut(ctx, size, "stored")
	telemetry.UpdateDiskUsage(ctx, usageAfter, c.diskBudget)
	return nil
}

// Usage returns the persisted usage counter: the sum of logical sizes of all
// resident entries.
func (c *Cache) Usage() (int64, error) {
	var usage int64
	err := c.db.View(func(tx *bbolt.Tx) error {
		usage = decodeUsage(tx.Bucket(bucketDiskUsage).Get(usageKey))
		return nil
	})
	return usage, err
}

// Len returns the number of resident entries.
func (c *Cache) Len() (int, error) {
	var count int
	err := c.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketObjectData).Stats().KeyN
		return nil
	})
	return count, err
}

// Budget returns the configured disk budget in bytes.
func (c *Cache) Budget() int64 {
	return c.diskBudget
}

// Keys returns all resident keys in lexicographic order. Intended for
// inspection tooling; it materialises the full key set.
func (c *Cache) Keys() ([][]byte, error) {
	var keys [][]byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjectData).ForEach(func(k, _ []byte) error {
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
			return nil
		})
	})
	return keys, err
}
