package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"faceattend/internal/config"
	"faceattend/internal/presence"
	"faceattend/internal/queue"
)

func testConfig(t *testing.T) config.App {
	dir := t.TempDir()
	return config.App{
		Env:                "test",
		DBDriver:           "sqlite",
		DatabaseURL:        filepath.Join(dir, "app.db"),
		QueueBackend:       "memory",
		JWTIssuer:          "faceattend",
		JWTSigningKey:      "test-key",
		AccessTTL:          time.Minute,
		RefreshTTL:         time.Hour,
		FaceBackend:        "remote",
		FaceServiceURL:     "http://127.0.0.1:1",
		FaceDetectionModel: "hog",
		SampleBackend:      "fs",
		DatasetDir:         filepath.Join(dir, "samples"),
		MatchTolerance:     0.5,
		CacheTTL:           time.Minute,
		MaxSamplesPerUser:  5,
	}
}

func TestNewWiresMemoryStack(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	if _, ok := a.Events.(*queue.InMemory); !ok {
		t.Errorf("Events = %T, want *queue.InMemory", a.Events)
	}
	if _, ok := a.Presence.(*presence.Memory); !ok {
		t.Errorf("Presence = %T, want *presence.Memory", a.Presence)
	}
	if a.Bus.Enabled() {
		t.Error("cache bus enabled without redis")
	}

	// An empty sample store builds without touching the face backend.
	if _, err := a.Cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if a.Cache.NeedsRefresh() {
		t.Fatal("fresh cache reports stale")
	}
	if _, err := a.Users.Add(ctx, "42", "Ada"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !a.Cache.NeedsRefresh() {
		t.Error("adding a user did not invalidate the cache")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.App)
		want   string
	}{
		{"sample backend", func(c *config.App) { c.SampleBackend = "s3" }, "SAMPLE_BACKEND"},
		{"face backend", func(c *config.App) { c.FaceBackend = "magic" }, "FACE_BACKEND"},
		{"queue backend", func(c *config.App) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"redis queue without redis", func(c *config.App) { c.QueueBackend = "redis" }, "REDIS_ADDR"},
		{"detection model", func(c *config.App) { c.FaceDetectionModel = "yolo" }, "yolo"},
		{"timezone", func(c *config.App) { c.Timezone = "Mars/Olympus" }, "Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			_, err := New(context.Background(), cfg, zap.NewNop())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("New error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
