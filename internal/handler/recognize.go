package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Recognize accepts one image in the multipart field "file" and marks
// attendance for every known face in it.
func (h *Handler) Recognize(c *gin.Context) {
	h.limitBody(c, 1)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			fail(c, http.StatusRequestEntityTooLarge, errTooLarge.Error())
		case errors.Is(err, http.ErrMissingFile):
			fail(c, http.StatusBadRequest, "No file uploaded.")
		default:
			fail(c, http.StatusBadRequest, "invalid multipart form")
		}
		return
	}
	if fh.Filename == "" {
		fail(c, http.StatusBadRequest, "No selected file.")
		return
	}

	data, err := h.readUpload(fh)
	if err != nil {
		h.failErr(c, err)
		return
	}
	results, err := h.d.Pipeline.SubmitImage(c.Request.Context(), data)
	if err != nil {
		h.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "results": results})
}

func (h *Handler) CacheStatus(c *gin.Context) {
	st := h.d.Pipeline.CacheStatus()
	c.JSON(http.StatusOK, gin.H{
		"populated":   st.Populated,
		"age_seconds": int64(st.Age.Seconds()),
		"entries":     st.Entries,
	})
}

func (h *Handler) RefreshCache(c *gin.Context) {
	st, err := h.d.Pipeline.ForceCacheRefresh(c.Request.Context())
	if err != nil {
		h.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"populated":   st.Populated,
		"age_seconds": int64(st.Age.Seconds()),
		"entries":     st.Entries,
	})
}
