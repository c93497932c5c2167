// Package presence tracks who is currently on site, fed by sighting events.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"faceattend/internal/attendance"
	"faceattend/internal/queue"
)

// States a user can be in for the day.
const (
	StatePresent = "present"
	StateLeft    = "left"
)

// Entry is one user's presence for a date.
type Entry struct {
	UserID string `json:"user_id"`
	State  string `json:"state"`
	Since  string `json:"since"`
}

// Tracker stores the latest presence per user and date.
type Tracker interface {
	Apply(ctx context.Context, s attendance.Sighting) error
	List(ctx context.Context, date string) ([]Entry, error)
}

func entryFor(s attendance.Sighting) Entry {
	if s.Status == attendance.StatusIn {
		return Entry{UserID: s.UserID, State: StatePresent, Since: s.Time}
	}
	return Entry{UserID: s.UserID, State: StateLeft, Since: s.Time}
}

// Memory keeps presence in process.
type Memory struct {
	mu   sync.RWMutex
	days map[string]map[string]Entry
}

// NewMemory creates an empty tracker.
func NewMemory() *Memory {
	return &Memory{days: make(map[string]map[string]Entry)}
}

func (m *Memory) Apply(_ context.Context, s attendance.Sighting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	day, ok := m.days[s.Date]
	if !ok {
		day = make(map[string]Entry)
		m.days[s.Date] = day
	}
	day[s.UserID] = entryFor(s)
	return nil
}

func (m *Memory) List(_ context.Context, date string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.days[date]))
	for _, e := range m.days[date] {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Redis keeps presence in one hash per date so several instances share it.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis-backed tracker. Day hashes expire after two days.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, ttl: 48 * time.Hour}
}

func dayKey(date string) string { return "faceattend:presence:" + date }

func (r *Redis) Apply(ctx context.Context, s attendance.Sighting) error {
	raw, err := json.Marshal(entryFor(s))
	if err != nil {
		return err
	}
	key := dayKey(s.Date)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, s.UserID, raw)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store presence: %w", err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, date string) ([]Entry, error) {
	all, err := r.client.HGetAll(ctx, dayKey(date)).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}
	out := make([]Entry, 0, len(all))
	for _, raw := range all {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(list []Entry) {
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
}

// Consume applies sighting messages from q to t until ctx is done.
func Consume(ctx context.Context, q queue.Queue, t Tracker, log *zap.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	for msg := range messages {
		if msg.Type != attendance.EventSighting {
			continue
		}
		var s attendance.Sighting
		if err := json.Unmarshal(msg.Body, &s); err != nil {
			log.Warn("bad sighting message", zap.Error(err))
			continue
		}
		if err := t.Apply(ctx, s); err != nil {
			log.Warn("apply sighting failed", zap.String("user_id", s.UserID), zap.Error(err))
			continue
		}
		log.Debug("presence updated", zap.String("user_id", s.UserID), zap.String("status", string(s.Status)))
	}
	return nil
}
