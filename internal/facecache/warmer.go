package facecache

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Warmer keeps the cache built in the background so the first recognition
// after a TTL expiry does not pay for the rebuild.
type Warmer struct {
	cache     *Cache
	log       *zap.Logger
	scheduler *gocron.Scheduler
	interval  time.Duration
}

// NewWarmer schedules a check every interval, starting immediately. An
// interval that is zero or not shorter than the TTL is replaced by four fifths
// of the TTL. Runs never overlap.
func NewWarmer(cache *Cache, interval time.Duration, log *zap.Logger) (*Warmer, error) {
	if interval <= 0 || interval >= cache.TTL() {
		interval = cache.TTL() * 4 / 5
	}
	w := &Warmer{
		cache:     cache,
		log:       log,
		scheduler: gocron.NewScheduler(time.UTC),
		interval:  interval,
	}
	if _, err := w.scheduler.Every(interval).SingletonMode().Do(w.run); err != nil {
		return nil, err
	}
	return w, nil
}

// run rebuilds when the snapshot would expire before the next tick.
func (w *Warmer) run() {
	if st := w.cache.Status(); st.Populated && !w.cache.NeedsRefresh() && st.Age+w.interval < w.cache.TTL() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()
	if _, err := w.cache.Refresh(ctx); err != nil {
		w.log.Warn("cache prewarm failed", zap.Error(err))
	}
}

// Start begins the schedule without blocking.
func (w *Warmer) Start() { w.scheduler.StartAsync() }

// Stop halts the schedule; a run in progress finishes on its own.
func (w *Warmer) Stop() { w.scheduler.Stop() }
