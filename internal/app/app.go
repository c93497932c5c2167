// Package app assembles the service graph from configuration. Both the HTTP
// server and the admin CLI start from here.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/blob"
	"faceattend/internal/cachebus"
	"faceattend/internal/config"
	"faceattend/internal/devices"
	"faceattend/internal/facecache"
	"faceattend/internal/facerec"
	"faceattend/internal/facerec/dlib"
	"faceattend/internal/facerec/remote"
	"faceattend/internal/presence"
	"faceattend/internal/queue"
	"faceattend/internal/recognition"
	"faceattend/internal/samples"
	"faceattend/internal/store"
	"faceattend/internal/users"
)

// App holds every long-lived component. Close releases them.
type App struct {
	Config config.App
	Log    *zap.Logger

	DB    *store.DB
	Redis *store.Redis

	Blobs      blob.Store
	Backend    facerec.Backend
	Cache      *facecache.Cache
	Bus        *cachebus.Bus
	Samples    *samples.Store
	Attendance *attendance.Repository
	Ledger     *attendance.Ledger
	Users      *users.Registry
	Events     queue.Queue
	Presence   presence.Tracker
	Issuer     *auth.Issuer
	Devices    *devices.Service
	Pipeline   *recognition.Pipeline

	closers []func()
}

// New opens storage and wires the components. On error everything opened so
// far is released.
func New(ctx context.Context, cfg config.App, log *zap.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	model, err := facerec.ParseModel(cfg.FaceDetectionModel)
	if err != nil {
		return nil, err
	}

	if a.DB, err = store.Open(ctx, cfg.DBDriver, cfg.DatabaseURL); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.DB.Close() })

	a.Redis = store.NewRedis(cfg.RedisAddr)
	if a.Redis != nil {
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	}

	if a.Blobs, err = newBlobs(cfg); err != nil {
		return nil, err
	}
	if a.Backend, err = a.newBackend(cfg); err != nil {
		return nil, err
	}

	client := a.redisClient()
	a.Bus = cachebus.New(client, log)
	notifier := &cachebus.Notifier{Bus: a.Bus, Log: log}
	a.Samples = samples.NewStore(a.DB, a.Blobs, notifier, cfg.MaxSamplesPerUser, log)
	a.Cache = facecache.New(a.Samples, a.Backend, log, facecache.Options{
		TTL:          cfg.CacheTTL,
		MaxDimension: cfg.MaxImageDimension,
		Workers:      cfg.RefreshWorkers,
		Model:        model,
	})
	notifier.Local = a.Cache

	a.Attendance = attendance.NewRepository(a.DB)
	a.Ledger = attendance.NewLedger(a.Attendance, log, attendance.Options{Location: loc})
	a.Users = users.NewRegistry(a.DB, a.Attendance, a.Samples, notifier, log)

	switch cfg.QueueBackend {
	case "memory":
		a.Events = queue.NewInMemory(256)
		a.Presence = presence.NewMemory()
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_ADDR")
		}
		a.Events = queue.NewRedisQueue(client, queue.DefaultKey, log)
		a.Presence = presence.NewRedis(client)
	case "none", "":
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	if a.Issuer, err = auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL); err != nil {
		return nil, err
	}
	a.Devices = devices.NewService(a.DB, a.Issuer, cfg.DeviceProvisionKey, log)

	a.Pipeline = recognition.New(a.Cache, a.Backend, a.Ledger, a.Events, log, recognition.Options{
		Tolerance:    cfg.MatchTolerance,
		MaxDimension: cfg.MaxImageDimension,
		Model:        model,
		Timeout:      cfg.RecognitionTimeout,
		Concurrency:  cfg.RecognitionConcurrency,
	})
	return a, nil
}

func (a *App) redisClient() *redis.Client {
	if a.Redis == nil {
		return nil
	}
	return a.Redis.Client
}

func newBlobs(cfg config.App) (blob.Store, error) {
	switch cfg.SampleBackend {
	case "fs", "":
		return blob.NewDir(cfg.DatasetDir)
	case "cloudinary":
		return blob.NewCloudinary(cfg.CloudinaryURL, cfg.CloudinaryFolder)
	default:
		return nil, fmt.Errorf("unknown SAMPLE_BACKEND %q", cfg.SampleBackend)
	}
}

func (a *App) newBackend(cfg config.App) (facerec.Backend, error) {
	switch cfg.FaceBackend {
	case "remote", "":
		return remote.New(cfg.FaceServiceURL), nil
	case "dlib":
		rec, err := dlib.New(cfg.FaceModelsDir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rec.Close)
		return rec, nil
	default:
		return nil, fmt.Errorf("unknown FACE_BACKEND %q", cfg.FaceBackend)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
