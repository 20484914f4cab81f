package supervisor

import "sync"

// botLocks hands out one mutex per bot id, created lazily. Control operations
// for the same bot must never interleave; operations on different bots may.
type botLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func newBotLocks() *botLocks {
	return &botLocks{m: make(map[int64]*sync.Mutex)}
}

func (l *botLocks) get(botID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.m[botID]
	if !ok {
		lock = &sync.Mutex{}
		l.m[botID] = lock
	}
	return lock
}
