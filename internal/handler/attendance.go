package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"faceattend/internal/attendance"
	"faceattend/internal/presence"
)

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// ListAttendance returns records newest first. ?format=csv streams a CSV
// export; without an explicit limit it contains every matching row.
func (h *Handler) ListAttendance(c *gin.Context) {
	csvOut := c.Query("format") == "csv"
	f := attendance.Filter{UserID: c.Query("user_id"), Date: c.Query("date")}
	if !csvOut {
		f.Limit = defaultPageSize
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			f.Limit = min(parsed, maxPageSize)
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			f.Offset = parsed
		}
	}
	if f.Date != "" {
		if _, err := time.Parse(attendance.DateLayout, f.Date); err != nil {
			fail(c, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}

	records, err := h.d.Attendance.ListRecords(c.Request.Context(), f)
	if err != nil {
		h.failErr(c, err)
		return
	}
	if csvOut {
		writeCSV(c, records)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "limit": f.Limit, "offset": f.Offset})
}

func writeCSV(c *gin.Context, records []attendance.Record) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="attendance.csv"`)
	c.Status(http.StatusOK)
	_ = attendance.WriteCSV(c.Writer, records)
}

// Presence lists who is on site for ?date, defaulting to today.
func (h *Handler) Presence(c *gin.Context) {
	if h.d.Presence == nil {
		fail(c, http.StatusServiceUnavailable, "presence tracking disabled")
		return
	}
	date := c.Query("date")
	if date == "" {
		date = time.Now().In(h.d.Location).Format(attendance.DateLayout)
	}
	list, err := h.d.Presence.List(c.Request.Context(), date)
	if err != nil {
		h.failErr(c, err)
		return
	}
	present := 0
	for _, e := range list {
		if e.State == presence.StatePresent {
			present++
		}
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "present": present, "entries": list})
}
