// Package recognition turns submitted images into attendance sightings.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"faceattend/internal/attendance"
	"faceattend/internal/facecache"
	"faceattend/internal/facerec"
	"faceattend/internal/imaging"
	"faceattend/internal/matcher"
	"faceattend/internal/metrics"
	"faceattend/internal/queue"
)

var (
	ErrNoImage         = errors.New("no image provided")
	ErrUnreadableImage = errors.New("image could not be read")
)

// Result is the outcome for one recognized face.
type Result struct {
	UserID string            `json:"user_id"`
	Status attendance.Status `json:"status"`
	Time   string            `json:"time"`
}

// Marker applies a sighting to the attendance ledger.
type Marker interface {
	Mark(ctx context.Context, userID string) (attendance.Sighting, error)
}

// Options tune a Pipeline. Zero values select defaults.
type Options struct {
	Tolerance    float64
	MaxDimension int
	Model        facerec.Model
	Timeout      time.Duration
	Concurrency  int
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	cache   *facecache.Cache
	backend facerec.Backend
	ledger  Marker
	events  queue.Queue
	log     *zap.Logger
	opts    Options
	slots   *semaphore.Weighted
}

// New wires a pipeline. events may be nil.
func New(cache *facecache.Cache, backend facerec.Backend, ledger Marker, events queue.Queue, log *zap.Logger, opts Options) *Pipeline {
	if opts.Tolerance <= 0 {
		opts.Tolerance = matcher.DefaultTolerance
	}
	if opts.Model == "" {
		opts.Model = facerec.ModelHOG
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	return &Pipeline{
		cache:   cache,
		backend: backend,
		ledger:  ledger,
		events:  events,
		log:     log,
		opts:    opts,
		slots:   semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// SubmitImage recognizes every face in data and marks attendance once per
// matched face, in detection order. Unknown faces are left out of the result.
// A face whose ledger write fails is logged and skipped; the call only fails
// when no face could be marked.
func (p *Pipeline) SubmitImage(ctx context.Context, data []byte) ([]Result, error) {
	start := time.Now()
	results, outcome, err := p.submit(ctx, data)
	metrics.Recognitions.WithLabelValues(outcome).Inc()
	metrics.RecognitionDuration.Observe(time.Since(start).Seconds())
	return results, err
}

func (p *Pipeline) submit(ctx context.Context, data []byte) ([]Result, string, error) {
	if len(data) == 0 {
		return nil, "invalid", ErrNoImage
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return nil, "invalid", fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, "error", fmt.Errorf("wait for recognition slot: %w", err)
	}
	defer p.slots.Release(1)

	img = imaging.Normalize(img, p.opts.MaxDimension)
	probes, err := facerec.Extract(ctx, p.backend, img, p.opts.Model)
	if err != nil {
		return nil, "error", err
	}
	metrics.FacesDetected.Add(float64(len(probes)))
	results := []Result{}
	if len(probes) == 0 {
		return results, "no_face", nil
	}

	snap, err := p.cache.EnsureFresh(ctx)
	if err != nil {
		return nil, "error", err
	}

	var markErr error
	for i, m := range matcher.All(probes, snap.Entries, p.opts.Tolerance) {
		if m == nil {
			p.log.Debug("face not recognized", zap.Int("face", i))
			continue
		}
		metrics.FacesMatched.Inc()

		s, err := p.ledger.Mark(ctx, m.UserID)
		if errors.Is(err, attendance.ErrUnknownUser) {
			p.log.Debug("matched user no longer registered", zap.Int("face", i), zap.String("user_id", m.UserID))
			continue
		}
		if err != nil {
			// Earlier faces are already committed, so the rest of the image
			// still gets processed and reported.
			p.log.Error("mark attendance failed", zap.Int("face", i), zap.String("user_id", m.UserID), zap.Error(err))
			if markErr == nil {
				markErr = fmt.Errorf("mark attendance for %s: %w", m.UserID, err)
			}
			continue
		}
		p.publish(ctx, s)
		results = append(results, Result{UserID: s.UserID, Status: s.Status, Time: s.Time})
	}

	switch {
	case markErr != nil && len(results) == 0:
		return nil, "error", markErr
	case markErr != nil:
		return results, "partial", nil
	case len(results) == 0:
		return results, "unmatched", nil
	}
	return results, "matched", nil
}

func (p *Pipeline) publish(ctx context.Context, s attendance.Sighting) {
	if p.events == nil {
		return
	}
	msg, err := queue.NewMessage(attendance.EventSighting, s)
	if err == nil {
		err = p.events.Publish(ctx, msg)
	}
	if err != nil {
		p.log.Warn("publish sighting failed", zap.String("user_id", s.UserID), zap.Error(err))
	}
}

// ForceCacheRefresh rebuilds the encoding cache now.
func (p *Pipeline) ForceCacheRefresh(ctx context.Context) (facecache.Status, error) {
	if _, err := p.cache.Refresh(ctx); err != nil {
		return p.cache.Status(), err
	}
	return p.cache.Status(), nil
}

// CacheStatus reports whether the cache is populated and its age.
func (p *Pipeline) CacheStatus() facecache.Status {
	return p.cache.Status()
}

// Health checks the face backend.
func (p *Pipeline) Health(ctx context.Context) error {
	return p.backend.Health(ctx)
}
