package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"faceattend/internal/attendance"
	"faceattend/internal/blob"
	"faceattend/internal/facecache"
	"faceattend/internal/facerec"
	"faceattend/internal/facerec/facerectest"
	"faceattend/internal/queue"
	"faceattend/internal/samples"
	"faceattend/internal/store"
	"faceattend/internal/users"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type env struct {
	pipeline *Pipeline
	cache    *facecache.Cache
	users    *users.Registry
	samples  *samples.Store
	att      *attendance.Repository
	clock    *clock
	events   *queue.InMemory
	db       *store.DB
}

func newEnv(t *testing.T, backend facerec.Backend, opts Options) *env {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "faceattend.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	dir, err := blob.NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	log := zap.NewNop()
	c := &clock{t: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	att := attendance.NewRepository(db)
	ledger := attendance.NewLedger(att, log, attendance.Options{Location: time.UTC, Clock: c.now})

	// The sample store needs the cache for invalidation and the cache needs
	// the sample store as its source, so the invalidator is bound late.
	inv := &lateInvalidator{}
	smp := samples.NewStore(db, dir, inv, 5, log)
	cache := facecache.New(smp, backend, log, facecache.Options{TTL: time.Hour, MaxDimension: 1000, Workers: 2})
	inv.cache = cache

	events := queue.NewInMemory(32)
	return &env{
		pipeline: New(cache, backend, ledger, events, log, opts),
		cache:    cache,
		users:    users.NewRegistry(db, att, smp, cache, log),
		samples:  smp,
		att:      att,
		clock:    c,
		events:   events,
		db:       db,
	}
}

type lateInvalidator struct{ cache *facecache.Cache }

func (l *lateInvalidator) Invalidate() { l.cache.Invalidate() }

func (e *env) register(t *testing.T, userID string, grays ...uint8) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.users.Add(ctx, userID, "User "+userID); err != nil {
		t.Fatalf("add user: %v", err)
	}
	var ups []samples.Upload
	for _, g := range grays {
		ups = append(ups, samples.Upload{Filename: "face.png", Data: facerectest.PNG(facerectest.Faces(g))})
	}
	if _, err := e.samples.Register(ctx, userID, ups); err != nil {
		t.Fatalf("register samples: %v", err)
	}
}

func TestEndToEndScenario(t *testing.T) {
	e := newEnv(t, &facerectest.Fake{}, Options{})
	ctx := context.Background()
	e.register(t, "7", 200, 204, 196)

	st, err := e.pipeline.ForceCacheRefresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !st.Populated || st.Entries != 3 {
		t.Fatalf("cache status = %+v, want 3 entries", st)
	}
	for _, entry := range e.cache.Snapshot().Entries {
		if entry.UserID != "7" {
			t.Errorf("entry labeled %q, want 7", entry.UserID)
		}
	}

	probe := facerectest.PNG(facerectest.Faces(201))
	steps := []struct {
		at   time.Time
		want Result
	}{
		{time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), Result{"7", attendance.StatusIn, "09:00:00"}},
		{time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC), Result{"7", attendance.StatusOut, "17:00:00"}},
		{time.Date(2024, 3, 4, 17, 45, 0, 0, time.UTC), Result{"7", attendance.StatusAlready, "17:00:00"}},
	}
	for _, step := range steps {
		e.clock.set(step.at)
		got, err := e.pipeline.SubmitImage(ctx, probe)
		if err != nil {
			t.Fatalf("submit at %s: %v", step.at.Format(time.Kitchen), err)
		}
		if len(got) != 1 || got[0] != step.want {
			t.Errorf("submit at %s = %+v, want %+v", step.at.Format(time.Kitchen), got, step.want)
		}
	}

	rec, err := e.att.GetRecord(ctx, "7", "2024-03-04")
	if err != nil || rec == nil {
		t.Fatalf("record: %+v, %v", rec, err)
	}
	if rec.Duration == nil || *rec.Duration != "8:00:00" {
		t.Errorf("duration = %v, want 8:00:00", rec.Duration)
	}
}

func TestEmptyCacheReturnsNoResults(t *testing.T) {
	e := newEnv(t, &facerectest.Fake{}, Options{})
	got, err := e.pipeline.SubmitImage(context.Background(), facerectest.PNG(facerectest.Faces(120, 200)))
	if err != nil {
		t.Fatalf("SubmitImage failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("results = %#v, want empty list", got)
	}
}

func TestDeletionInvalidatesCache(t *testing.T) {
	e := newEnv(t, &facerectest.Fake{}, Options{})
	ctx := context.Background()
	e.register(t, "7", 200)
	probe := facerectest.PNG(facerectest.Faces(200))

	if got, err := e.pipeline.SubmitImage(ctx, probe); err != nil || len(got) != 1 {
		t.Fatalf("before delete: %+v, %v", got, err)
	}
	if err := e.users.Delete(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	got, err := e.pipeline.SubmitImage(ctx, probe)
	if err != nil {
		t.Fatalf("after delete: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("deleted user still recognized: %+v", got)
	}
}

func TestMultipleFacesMatchedIndependently(t *testing.T) {
	e := newEnv(t, &facerectest.Fake{}, Options{})
	ctx := context.Background()
	e.register(t, "7", 200)
	e.register(t, "9", 100)

	// 30 is too far from either known face.
	got, err := e.pipeline.SubmitImage(ctx, facerectest.PNG(facerectest.Faces(100, 30, 199)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].UserID != "9" || got[1].UserID != "7" {
		t.Fatalf("results = %+v, want 9 then 7", got)
	}
	for _, r := range got {
		if r.Status != attendance.StatusIn {
			t.Errorf("%s status = %s, want IN", r.UserID, r.Status)
		}
	}
}

func TestSameUserTwiceInOneImage(t *testing.T) {
	e := newEnv(t, &facerectest.Fake{}, Options{})
	e.register(t, "7", 200)
	got, err := e.pipeline.SubmitImage(context.Background(), facerectest.PNG(facerectest.Faces(200, 201)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Status != attendance.StatusIn || got[1].Status != attendance.StatusOut {
		t.Errorf("results = %+v, want IN then OUT", got)
	}
}

type failingMarker struct {
	Marker
	userID string
}

func (f failingMarker) Mark(ctx context.Context, userID string) (attendance.Sighting, error) {
	if userID == f.userID {
		return attendance.Sighting{}, errors.New("database is locked")
	}
	return f.Marker.Mark(ctx, userID)
}

func TestLedgerFailureKeepsEarlierOutcomes(t *testing.T) {
	e := newEnv(t, &facerectest.Fake{}, Options{})
	ctx := context.Background()
	e.register(t, "7", 200)
	e.register(t, "9", 100)
	e.pipeline.ledger = failingMarker{Marker: e.pipeline.ledger, userID: "9"}

	got, err := e.pipeline.SubmitImage(ctx, facerectest.PNG(facerectest.Faces(200, 100)))
	if err != nil {
		t.Fatalf("SubmitImage failed: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "7" || got[0].Status != attendance.StatusIn {
		t.Fatalf("results = %+v, want only 7 IN", got)
	}

	// Nothing was committed for an image whose only face failed.
	if _, err := e.pipeline.SubmitImage(ctx, facerectest.PNG(facerectest.Faces(100))); err == nil {
		t.Error("expected an error when no face could be marked")
	}
}

func TestUserDeletedBehindStaleCache(t *testing.T) {
	e := newEnv(t, &facerectest.Fake{}, Options{})
	ctx := context.Background()
	e.register(t, "7", 200)
	if _, err := e.pipeline.ForceCacheRefresh(ctx); err != nil {
		t.Fatal(err)
	}

	// Another process removes the user without reaching this cache.
	for _, q := range []string{
		`DELETE FROM face_samples WHERE user_id = ?`,
		`DELETE FROM attendance WHERE user_id = ?`,
		`DELETE FROM users WHERE user_id = ?`,
	} {
		if _, err := e.db.Client.ExecContext(ctx, q, "7"); err != nil {
			t.Fatal(err)
		}
	}
	if e.cache.NeedsRefresh() {
		t.Fatal("cache unexpectedly invalidated")
	}

	got, err := e.pipeline.SubmitImage(ctx, facerectest.PNG(facerectest.Faces(200)))
	if err != nil {
		t.Fatalf("SubmitImage failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("results = %+v, want no match", got)
	}
}

func TestToleranceBoundaryEndToEnd(t *testing.T) {
	e := newEnv(t, &facerectest.Fake{}, Options{Tolerance: 0.5})
	e.register(t, "7", 100)
	ctx := context.Background()

	// 0.5 * 64 = 32 gray levels.
	got, err := e.pipeline.SubmitImage(ctx, facerectest.PNG(facerectest.Faces(132)))
	if err != nil || len(got) != 1 {
		t.Errorf("at tolerance: %+v, %v; want a match", got, err)
	}
	got, err = e.pipeline.SubmitImage(ctx, facerectest.PNG(facerectest.Faces(133)))
	if err != nil || len(got) != 0 {
		t.Errorf("past tolerance: %+v, %v; want no match", got, err)
	}
}

func TestInputErrors(t *testing.T) {
	backend := &facerectest.Fake{}
	e := newEnv(t, backend, Options{})
	ctx := context.Background()

	if _, err := e.pipeline.SubmitImage(ctx, nil); !errors.Is(err, ErrNoImage) {
		t.Errorf("nil payload err = %v, want ErrNoImage", err)
	}
	if _, err := e.pipeline.SubmitImage(ctx, []byte("definitely not an image")); !errors.Is(err, ErrUnreadableImage) {
		t.Errorf("garbage payload err = %v, want ErrUnreadableImage", err)
	}
	if n := backend.Detects.Load(); n != 0 {
		t.Errorf("detector ran %d times for invalid input", n)
	}
}

type blockingBackend struct{ facerectest.Fake }

func (b *blockingBackend) Detect(ctx context.Context, _ image.Image, _ facerec.Model) ([]facerec.Region, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPerImageTimeout(t *testing.T) {
	e := newEnv(t, &blockingBackend{}, Options{Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := e.pipeline.SubmitImage(context.Background(), facerectest.PNG(facerectest.Faces(200)))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout did not bound processing")
	}
}

func TestSightingsArePublished(t *testing.T) {
	e := newEnv(t, &facerectest.Fake{}, Options{})
	e.register(t, "7", 200)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := e.pipeline.SubmitImage(ctx, facerectest.PNG(facerectest.Faces(200))); err != nil {
		t.Fatal(err)
	}
	ch, _ := e.events.Consume(ctx)
	select {
	case msg := <-ch:
		var s attendance.Sighting
		if err := json.Unmarshal(msg.Body, &s); err != nil {
			t.Fatal(err)
		}
		if msg.Type != attendance.EventSighting || s.UserID != "7" || s.Status != attendance.StatusIn || s.Date != "2024-03-04" {
			t.Errorf("event = %s %+v", msg.Type, s)
		}
	case <-time.After(time.Second):
		t.Fatal("no sighting event published")
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	e := newEnv(t, &facerectest.Fake{}, Options{Concurrency: 2})
	e.register(t, "7", 200)
	probe := facerectest.PNG(facerectest.Faces(200))

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[attendance.Status]int{}
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drain, _ := e.events.Consume(ctx)
	go func() {
		for range drain {
		}
	}()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.pipeline.SubmitImage(ctx, probe)
			if err != nil || len(got) != 1 {
				t.Errorf("submit: %+v, %v", got, err)
				return
			}
			mu.Lock()
			statuses[got[0].Status]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if statuses[attendance.StatusIn] != 1 || statuses[attendance.StatusOut] != 1 {
		t.Errorf("statuses = %v, want exactly one IN and one OUT", statuses)
	}
}
