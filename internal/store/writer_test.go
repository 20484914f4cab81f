package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeUpdater struct {
	mu       sync.Mutex
	updates  []StatusUpdate
	failures int // fail this many calls before succeeding
}

func (f *fakeUpdater) UpdateBotStatus(_ context.Context, id int64, status string, pid *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("transient store error")
	}
	f.updates = append(f.updates, StatusUpdate{BotID: id, Status: status, PID: pid})
	return nil
}

func (f *fakeUpdater) applied() []StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StatusUpdate, len(f.updates))
	copy(out, f.updates)
	return out
}

func TestStatusWriterAppliesUpdates(t *testing.T) {
	db := &fakeUpdater{}
	w := NewStatusWriter(db, 16)
	w.Start()

	pid := 1234
	w.Enqueue(StatusUpdate{BotID: 1, Status: StatusActive, PID: &pid})
	w.Enqueue(StatusUpdate{BotID: 2, Status: StatusInactive})

	w.Flush(5 * time.Second)

	got := db.applied()
	if len(got) != 2 {
		t.Fatalf("got %d applied updates, want 2", len(got))
	}
	if got[0].BotID != 1 || got[0].Status != StatusActive || got[0].PID == nil || *got[0].PID != 1234 {
		t.Errorf("first update = %+v, want bot 1 active pid 1234", got[0])
	}
}

func TestStatusWriterRetriesTransientFailure(t *testing.T) {
	db := &fakeUpdater{failures: 2}
	w := NewStatusWriter(db, 16)
	w.Start()

	w.Enqueue(StatusUpdate{BotID: 7, Status: StatusExpired})
	w.Flush(10 * time.Second)

	got := db.applied()
	if len(got) != 1 {
		t.Fatalf("got %d applied updates, want 1 after retries", len(got))
	}
	if got[0].BotID != 7 || got[0].Status != StatusExpired {
		t.Errorf("update = %+v, want bot 7 expired", got[0])
	}
}

func TestDaysLeft(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		end  time.Time
		want int
	}{
		{"thirty days out", now.Add(30*24*time.Hour + time.Hour), 30},
		{"two days out", now.Add(49 * time.Hour), 2},
		{"expired yesterday", now.Add(-25 * time.Hour), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Subscription{EndDate: tt.end}
			if got := s.DaysLeft(now); got != tt.want {
				t.Errorf("DaysLeft() = %d, want %d", got, tt.want)
			}
		})
	}
}
