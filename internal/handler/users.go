package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"faceattend/internal/samples"
	"faceattend/internal/users"
)

// maxFaceFiles bounds how many files one registration request may carry.
const maxFaceFiles = 10

// userID accepts identifiers sent either as JSON strings or numbers.
type userID string

func (u *userID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = userID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user_id must be a string or number")
	}
	*u = userID(n.String())
	return nil
}

type createUserRequest struct {
	UserID userID `json:"user_id" binding:"required"`
	Name   string `json:"name" binding:"required"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "user_id and name are required")
		return
	}
	u, err := h.d.Users.Add(c.Request.Context(), string(req.UserID), req.Name)
	if err != nil {
		h.failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "success", "message": "User added.", "user": u})
}

func (h *Handler) ListUsers(c *gin.Context) {
	list, err := h.d.Users.List(c.Request.Context())
	if err != nil {
		h.failErr(c, err)
		return
	}
	if list == nil {
		list = []users.User{}
	}
	c.JSON(http.StatusOK, gin.H{"users": list})
}

func (h *Handler) GetUser(c *gin.Context) {
	u, err := h.d.Users.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.failErr(c, err)
		return
	}
	n, err := h.d.Samples.Count(c.Request.Context(), u.UserID)
	if err != nil {
		h.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u, "face_samples": n})
}

func (h *Handler) DeleteUser(c *gin.Context) {
	id := c.Param("id")
	if err := h.d.Users.Delete(c.Request.Context(), id); err != nil {
		h.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": fmt.Sprintf("User %s deleted.", id)})
}

// RegisterFaces replaces a user's samples with the files in "face_images".
func (h *Handler) RegisterFaces(c *gin.Context) {
	id := c.Param("id")
	h.limitBody(c, maxFaceFiles)
	form, err := c.MultipartForm()
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			fail(c, http.StatusRequestEntityTooLarge, errTooLarge.Error())
			return
		}
		fail(c, http.StatusBadRequest, "invalid multipart form")
		return
	}
	files := form.File["face_images"]
	if len(files) == 0 {
		h.failErr(c, samples.ErrNoSamples)
		return
	}
	if len(files) > maxFaceFiles {
		fail(c, http.StatusBadRequest, fmt.Sprintf("at most %d files per request", maxFaceFiles))
		return
	}

	uploads := make([]samples.Upload, 0, len(files))
	for _, fh := range files {
		data, err := h.readUpload(fh)
		if err != nil {
			h.failErr(c, err)
			return
		}
		uploads = append(uploads, samples.Upload{Filename: fh.Filename, Data: data})
	}

	added, err := h.d.Samples.Register(c.Request.Context(), id, uploads)
	if err != nil {
		h.failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("Registered %d face images for %s.", len(added), id),
		"samples": added,
	})
}

func (h *Handler) ListFaces(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.d.Users.Get(c.Request.Context(), id); err != nil {
		h.failErr(c, err)
		return
	}
	list, err := h.d.Samples.ListForUser(c.Request.Context(), id)
	if err != nil {
		h.failErr(c, err)
		return
	}
	if list == nil {
		list = []samples.Sample{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": id, "count": len(list), "max": h.d.Samples.MaxPerUser(), "samples": list})
}
