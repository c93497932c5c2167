// Package attendance records when users arrive and leave.
//
// Each (user, local calendar date) moves through ABSENT → IN → OUT, after which
// further sightings report ALREADY without changing anything.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"faceattend/internal/metrics"
)

// Status is the outcome of one sighting.
type Status string

const (
	StatusIn      Status = "IN"
	StatusOut     Status = "OUT"
	StatusAlready Status = "ALREADY"
)

// EventSighting is the queue message type carrying a Sighting.
const EventSighting = "attendance.sighting"

// Layouts used for stored values.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
	DayLayout  = "Monday"
)

// maxAttempts bounds the conditional-write loop. Writers from other processes
// are the only way to lose a round.
const maxAttempts = 3

// ErrConflict means the record kept changing underneath the transition.
var ErrConflict = errors.New("attendance record changed concurrently")

// ErrUnknownUser means the user is not registered, usually because they were
// deleted after their encodings were read.
var ErrUnknownUser = errors.New("user not registered")

// Sighting is the result of a ledger transition.
type Sighting struct {
	UserID   string `json:"user_id"`
	Status   Status `json:"status"`
	Time     string `json:"time"`
	Date     string `json:"date"`
	Duration string `json:"duration,omitempty"`
}

// Options configure a Ledger. Zero values select the process local zone and
// the wall clock.
type Options struct {
	Location *time.Location
	Clock    func() time.Time
}

// Ledger applies sightings to attendance records.
type Ledger struct {
	repo  *Repository
	log   *zap.Logger
	loc   *time.Location
	now   func() time.Time
	locks keyedMutex
}

// NewLedger creates a ledger backed by a repository.
func NewLedger(repo *Repository, log *zap.Logger, opts Options) *Ledger {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Ledger{repo: repo, log: log, loc: opts.Location, now: opts.Clock}
}

// Location is the zone dates and times are recorded in.
func (l *Ledger) Location() *time.Location { return l.loc }

// Mark records a sighting of userID at the current time.
func (l *Ledger) Mark(ctx context.Context, userID string) (Sighting, error) {
	return l.MarkAt(ctx, userID, l.now())
}

// MarkAt records a sighting at t. The calendar date is taken in the ledger's
// location; the read and the write for one (user, date) never interleave with
// another sighting of the same key.
func (l *Ledger) MarkAt(ctx context.Context, userID string, t time.Time) (Sighting, error) {
	t = t.In(l.loc)
	date := t.Format(DateLayout)
	clock := t.Format(TimeLayout)

	unlock := l.locks.lock(userID + "|" + date)
	defer unlock()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, err := l.repo.GetRecord(ctx, userID, date)
		if err != nil {
			return Sighting{}, err
		}

		switch {
		case rec == nil:
			ok, err := l.repo.InsertIn(ctx, userID, date, t.Format(DayLayout), clock)
			if err != nil {
				return Sighting{}, err
			}
			if ok {
				return l.emit(Sighting{UserID: userID, Status: StatusIn, Time: clock, Date: date}), nil
			}
			exists, err := l.repo.UserExists(ctx, userID)
			if err != nil {
				return Sighting{}, err
			}
			if !exists {
				return Sighting{}, fmt.Errorf("%s: %w", userID, ErrUnknownUser)
			}
		case rec.OutTime == nil:
			dur, err := FormatDuration(rec.InTime, clock)
			if err != nil {
				return Sighting{}, err
			}
			ok, err := l.repo.SetOut(ctx, userID, date, clock, dur)
			if err != nil {
				return Sighting{}, err
			}
			if ok {
				return l.emit(Sighting{UserID: userID, Status: StatusOut, Time: clock, Date: date, Duration: dur}), nil
			}
		default:
			s := Sighting{UserID: userID, Status: StatusAlready, Time: *rec.OutTime, Date: date}
			if rec.Duration != nil {
				s.Duration = *rec.Duration
			}
			return l.emit(s), nil
		}
		l.log.Debug("attendance write lost a race, retrying",
			zap.String("user_id", userID), zap.String("date", date), zap.Int("attempt", attempt+1))
	}
	return Sighting{}, fmt.Errorf("%s on %s: %w", userID, date, ErrConflict)
}

func (l *Ledger) emit(s Sighting) Sighting {
	metrics.Sightings.WithLabelValues(string(s.Status)).Inc()
	l.log.Info("attendance marked",
		zap.String("user_id", s.UserID),
		zap.String("status", string(s.Status)),
		zap.String("date", s.Date),
		zap.String("time", s.Time))
	return s
}

// FormatDuration returns out − in as H:MM:SS. Both are times of day, so the
// difference never spans midnight; an out-time before the in-time yields 0:00:00.
func FormatDuration(in, out string) (string, error) {
	tin, err := time.Parse(TimeLayout, in)
	if err != nil {
		return "", fmt.Errorf("parse in-time %q: %w", in, err)
	}
	tout, err := time.Parse(TimeLayout, out)
	if err != nil {
		return "", fmt.Errorf("parse out-time %q: %w", out, err)
	}
	d := tout.Sub(tin)
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs/60%60, secs%60), nil
}
