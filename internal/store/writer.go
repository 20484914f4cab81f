package store

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// statusUpdater is the slice of DB the writer needs; split out so tests can
// substitute a fake.
type statusUpdater interface {
	UpdateBotStatus(ctx context.Context, id int64, status string, pid *int) error
}

// StatusUpdate is one queued bot status write.
type StatusUpdate struct {
	BotID  int64
	Status string
	PID    *int
}

// StatusWriter applies bot status updates asynchronously with retries. A
// control operation that already succeeded at the OS level must not fail
// because a store write did; it queues the write here instead and the retry
// loop (or the next reconciliation sweep) repairs the drift.
type StatusWriter struct {
	db   statusUpdater
	ch   chan StatusUpdate
	wg   sync.WaitGroup
	done chan struct{}
}

// NewStatusWriter creates a writer with the given queue depth.
func NewStatusWriter(db statusUpdater, bufferSize int) *StatusWriter {
	if bufferSize < 1 {
		bufferSize = 1024
	}
	return &StatusWriter{
		db:   db,
		ch:   make(chan StatusUpdate, bufferSize),
		done: make(chan struct{}),
	}
}

// Start launches the background write loop.
func (w *StatusWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Enqueue queues a status write. Never blocks; a full buffer drops the entry
// with a warning, leaving repair to the reconciliation sweep.
func (w *StatusWriter) Enqueue(u StatusUpdate) {
	select {
	case w.ch <- u:
	default:
		log.Warn().Int64("bot_id", u.BotID).Str("status", u.Status).
			Msg("status writer buffer full, dropping update")
	}
}

// Flush stops the loop and drains queued updates, bounded by timeout.
func (w *StatusWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("status writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("status writer flush timed out")
	}
}

func (w *StatusWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case u := <-w.ch:
			w.writeWithRetry(u)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case u := <-w.ch:
					w.writeWithRetry(u)
				default:
					return
				}
			}
		}
	}
}

func (w *StatusWriter) writeWithRetry(u StatusUpdate) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.UpdateBotStatus(ctx, u.BotID, u.Status, u.PID)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Int64("bot_id", u.BotID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("status write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Int64("bot_id", u.BotID).
				Str("status", u.Status).
				Msg("status write failed permanently after retries")
		}
	}
}
