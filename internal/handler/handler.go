// Package handler exposes the service over HTTP with gin.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/devices"
	"faceattend/internal/presence"
	"faceattend/internal/recognition"
	"faceattend/internal/samples"
	"faceattend/internal/users"
)

var errTooLarge = errors.New("file too large")

// Check reports whether one dependency is healthy.
type Check func(ctx context.Context) bool

// Deps are the services the handlers call into.
type Deps struct {
	Pipeline   *recognition.Pipeline
	Users      *users.Registry
	Samples    *samples.Store
	Attendance *attendance.Repository
	Presence   presence.Tracker
	Devices    *devices.Service
	Issuer     *auth.Issuer
	Checks     map[string]Check
	Log        *zap.Logger

	MaxUploadBytes int64
	Location       *time.Location
}

// Handler serves the HTTP API.
type Handler struct {
	d Deps
}

// New creates a handler.
func New(d Deps) *Handler {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 2 << 20
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	return &Handler{d: d}
}

// Routes registers every endpoint on r. limit, when non-nil, runs on all
// /v1 routes after authentication.
func (h *Handler) Routes(r *gin.Engine, limit gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	open := r.Group("/v1")
	if limit != nil {
		open.Use(limit)
	}
	open.POST("/devices/register", h.RegisterDevice)
	open.POST("/tokens/refresh", h.RefreshToken)

	v1 := r.Group("/v1", auth.Authenticate(h.d.Issuer))
	if limit != nil {
		v1.Use(limit)
	}

	kiosk := v1.Group("", auth.RequireRole(auth.RoleKiosk, auth.RoleAdmin))
	kiosk.POST("/attendance/recognize", h.Recognize)

	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/users", h.CreateUser)
	admin.GET("/users", h.ListUsers)
	admin.GET("/users/:id", h.GetUser)
	admin.DELETE("/users/:id", h.DeleteUser)
	admin.POST("/users/:id/faces", h.RegisterFaces)
	admin.GET("/users/:id/faces", h.ListFaces)
	admin.GET("/attendance", h.ListAttendance)
	admin.GET("/presence", h.Presence)
	admin.GET("/cache", h.CacheStatus)
	admin.POST("/cache/refresh", h.RefreshCache)
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := gin.H{}
	for name, check := range h.d.Checks {
		ok := check(ctx)
		checks[name] = ok
		if !ok {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

// fail writes the error envelope used by every endpoint.
func fail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"status": "error", "message": msg})
}

// failErr maps service errors onto status codes.
func (h *Handler) failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, recognition.ErrNoImage),
		errors.Is(err, recognition.ErrUnreadableImage),
		errors.Is(err, samples.ErrNoSamples),
		errors.Is(err, samples.ErrEmptyFile),
		errors.Is(err, samples.ErrUnsupportedType),
		errors.Is(err, users.ErrInvalidUser),
		errors.Is(err, devices.ErrDeviceIDRequired):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, errTooLarge):
		fail(c, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, users.ErrNotFound), errors.Is(err, samples.ErrUnknownUser):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, users.ErrDuplicateUser):
		fail(c, http.StatusConflict, users.ErrDuplicateUser.Error())
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, devices.ErrRevoked):
		fail(c, http.StatusUnauthorized, "invalid or revoked token")
	case errors.Is(err, devices.ErrProvisionKey):
		fail(c, http.StatusForbidden, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, "processing timed out")
	default:
		h.d.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, "internal error")
	}
}

// readUpload reads a multipart file, refusing anything over the upload cap.
func (h *Handler) readUpload(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > h.d.MaxUploadBytes {
		return nil, fmt.Errorf("%s: %w", fh.Filename, errTooLarge)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.d.MaxUploadBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.d.MaxUploadBytes {
		return nil, fmt.Errorf("%s: %w", fh.Filename, errTooLarge)
	}
	return data, nil
}

// limitBody caps the request body at the upload size plus room for n files'
// multipart framing.
func (h *Handler) limitBody(c *gin.Context, files int64) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, files*h.d.MaxUploadBytes+1<<20)
}
