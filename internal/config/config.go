package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env      string
	HTTPPort string
	Timezone string

	DBDriver    string
	DatabaseURL string
	RedisAddr   string

	QueueBackend string

	JWTIssuer          string
	JWTSigningKey      string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	DeviceProvisionKey string

	FaceBackend        string
	FaceServiceURL     string
	FaceModelsDir      string
	FaceDetectionModel string

	SampleBackend    string
	DatasetDir       string
	CloudinaryURL    string
	CloudinaryFolder string

	MatchTolerance         float64
	CacheTTL               time.Duration
	CachePrewarm           bool
	RefreshWorkers         int
	MaxImageDimension      int
	MaxUploadBytes         int64
	MaxSamplesPerUser      int
	RecognitionTimeout     time.Duration
	RecognitionConcurrency int

	RateLimitPerMin int
	CORSOrigins     []string
}

// Load returns application config populated from environment variables with sensible defaults.
// A .env file in the working directory is read first when present.
func Load() App {
	_ = godotenv.Load()

	return App{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8081"),
		Timezone: getEnv("TIMEZONE", ""),

		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DatabaseURL: getEnv("DATABASE_URL", "attendance.db"),
		RedisAddr:   getEnv("REDIS_ADDR", ""),

		QueueBackend: getEnv("QUEUE_BACKEND", "memory"),

		JWTIssuer:          getEnv("JWT_ISSUER", "faceattend"),
		JWTSigningKey:      getEnv("JWT_SIGNING_KEY", "dev-signing-secret-change"),
		AccessTTL:          durationEnv("ACCESS_TTL", 15*time.Minute),
		RefreshTTL:         durationEnv("REFRESH_TTL", 24*time.Hour),
		DeviceProvisionKey: getEnv("DEVICE_PROVISION_KEY", ""),

		FaceBackend:        getEnv("FACE_BACKEND", "remote"),
		FaceServiceURL:     getEnv("FACE_SERVICE_URL", "http://localhost:8000"),
		FaceModelsDir:      getEnv("FACE_MODELS_DIR", "models"),
		FaceDetectionModel: getEnv("FACE_DETECTION_MODEL", "hog"),

		SampleBackend:    getEnv("SAMPLE_BACKEND", "fs"),
		DatasetDir:       getEnv("DATASET_DIR", "dataset"),
		CloudinaryURL:    getEnv("CLOUDINARY_URL", ""),
		CloudinaryFolder: getEnv("CLOUDINARY_FOLDER", "faceattend/samples"),

		MatchTolerance:         floatEnv("MATCH_TOLERANCE", 0.5),
		CacheTTL:               durationEnv("CACHE_TTL", 5*time.Minute),
		CachePrewarm:           boolEnv("CACHE_PREWARM", true),
		RefreshWorkers:         intEnv("REFRESH_WORKERS", 4),
		MaxImageDimension:      intEnv("MAX_IMAGE_DIMENSION", 1000),
		MaxUploadBytes:         int64(intEnv("MAX_UPLOAD_BYTES", 2*1024*1024)),
		MaxSamplesPerUser:      intEnv("MAX_SAMPLES_PER_USER", 5),
		RecognitionTimeout:     durationEnv("RECOGNITION_TIMEOUT", 30*time.Second),
		RecognitionConcurrency: intEnv("RECOGNITION_CONCURRENCY", runtime.NumCPU()),

		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),
		CORSOrigins:     listEnv("CORS_ORIGINS"),
	}
}

// Location resolves the configured timezone, falling back to the process local zone.
func (a App) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}

// Production reports whether the app runs with production defaults.
func (a App) Production() bool {
	return a.Env == "production" || a.Env == "prod"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// listEnv splits a comma separated value, dropping blanks.
func listEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return parsed
		}
		log.Printf("invalid float for %s, using fallback %v", key, fallback)
	}
	return fallback
}
