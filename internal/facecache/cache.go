// Package facecache keeps the in-memory set of known face encodings.
//
// Encodings are derived data: every refresh recomputes them from the stored
// face samples, and a snapshot is swapped in atomically so matchers never
// observe a partially built set. Refreshes are serialized with each other but
// never block readers.
package facecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"faceattend/internal/facerec"
	"faceattend/internal/imaging"
	"faceattend/internal/metrics"
	"faceattend/internal/samples"
)

// DefaultTTL is how long a snapshot is served before the next refresh.
const DefaultTTL = 5 * time.Minute

// Source lists stored face samples and reads their image bytes.
type Source interface {
	ListSamples(ctx context.Context) ([]samples.Sample, error)
	Read(ctx context.Context, s samples.Sample) ([]byte, error)
}

// Entry is one known encoding labeled with its owner.
type Entry struct {
	UserID   string
	SampleID string
	Encoding facerec.Encoding
}

// Snapshot is an immutable view of the cache. Entries keep sample order.
type Snapshot struct {
	Entries    []Entry
	BuiltAt    time.Time
	Generation uint64
}

// Status summarizes the current snapshot.
type Status struct {
	Populated bool          `json:"populated"`
	Age       time.Duration `json:"age"`
	Entries   int           `json:"entries"`
}

// Options tune a Cache. Zero values select defaults.
type Options struct {
	TTL          time.Duration
	MaxDimension int
	Workers      int
	Model        facerec.Model
	Clock        func() time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	source  Source
	backend facerec.Backend
	log     *zap.Logger

	ttl     time.Duration
	maxDim  int
	workers int
	model   facerec.Model
	now     func() time.Time

	snap atomic.Pointer[Snapshot]
	gen  atomic.Uint64
	mu   sync.Mutex
}

// New builds an empty cache. Nothing is read until the first refresh.
func New(source Source, backend facerec.Backend, log *zap.Logger, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Model == "" {
		opts.Model = facerec.ModelHOG
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{
		source:  source,
		backend: backend,
		log:     log,
		ttl:     opts.TTL,
		maxDim:  opts.MaxDimension,
		workers: opts.Workers,
		model:   opts.Model,
		now:     opts.Clock,
	}
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// NeedsRefresh reports whether the cache was never built, was invalidated
// since the last build, or has outlived its TTL.
func (c *Cache) NeedsRefresh() bool {
	return c.stale(c.snap.Load())
}

func (c *Cache) stale(s *Snapshot) bool {
	if s == nil || s.Generation != c.gen.Load() {
		return true
	}
	return c.now().Sub(s.BuiltAt) > c.ttl
}

// Invalidate forces the next NeedsRefresh to report true. A refresh already in
// flight when Invalidate is called does not clear it.
func (c *Cache) Invalidate() {
	c.gen.Add(1)
}

// Snapshot returns the current snapshot, or nil if the cache was never built.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Status reports whether the cache is populated and how old it is.
func (c *Cache) Status() Status {
	s := c.snap.Load()
	if s == nil {
		return Status{}
	}
	return Status{Populated: true, Age: c.now().Sub(s.BuiltAt), Entries: len(s.Entries)}
}

// Refresh unconditionally rebuilds the cache from the sample source.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuild(ctx)
}

// EnsureFresh returns a snapshot that is neither invalidated nor expired,
// rebuilding it first when needed.
func (c *Cache) EnsureFresh(ctx context.Context) (*Snapshot, error) {
	if s := c.snap.Load(); !c.stale(s) {
		return s, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have rebuilt while we waited for the lock.
	if s := c.snap.Load(); !c.stale(s) {
		return s, nil
	}
	return c.rebuild(ctx)
}

// rebuild must be called with mu held.
func (c *Cache) rebuild(ctx context.Context) (*Snapshot, error) {
	gen := c.gen.Load()
	start := time.Now()

	list, err := c.source.ListSamples(ctx)
	if err != nil {
		return nil, fmt.Errorf("list face samples: %w", err)
	}

	found := make([]*Entry, len(list))
	var skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, s := range list {
		g.Go(func() error {
			enc, err := c.extract(gctx, s)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				skipped.Add(1)
				c.log.Warn("skipping face sample",
					zap.String("sample_id", s.ID),
					zap.String("user_id", s.UserID),
					zap.Error(err))
				return nil
			}
			found[i] = &Entry{UserID: s.UserID, SampleID: s.ID, Encoding: enc}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("refresh encodings: %w", err)
	}

	entries := make([]Entry, 0, len(list))
	for _, e := range found {
		if e != nil {
			entries = append(entries, *e)
		}
	}

	snap := &Snapshot{Entries: entries, BuiltAt: c.now(), Generation: gen}
	c.snap.Store(snap)

	metrics.CacheRefreshDuration.Observe(time.Since(start).Seconds())
	metrics.CacheEntries.Set(float64(len(entries)))
	metrics.CacheSkippedSamples.Add(float64(skipped.Load()))
	c.log.Info("encoding cache refreshed",
		zap.Int("samples", len(list)),
		zap.Int("entries", len(entries)),
		zap.Int64("skipped", skipped.Load()),
		zap.Duration("took", time.Since(start)))
	return snap, nil
}

// errNoFace marks a sample in which the backend found nothing to encode.
var errNoFace = errors.New("no face found in sample")

// extract returns the encoding of the first face found in a sample.
func (c *Cache) extract(ctx context.Context, s samples.Sample) (facerec.Encoding, error) {
	data, err := c.source.Read(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	img = imaging.Downscale(img, c.maxDim)

	encs, err := facerec.Extract(ctx, c.backend, img, c.model)
	if err != nil {
		return nil, err
	}
	if len(encs) == 0 {
		return nil, errNoFace
	}
	return encs[0], nil
}
