package store

import "time"

// Bot lifecycle statuses.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusExpired  = "expired"
)

// Bot represents one user-deployed bot record.
type Bot struct {
	ID           int64      `json:"id" db:"id"`
	OwnerID      int64      `json:"owner_id" db:"owner_id"`
	Token        string     `json:"-" db:"token"`
	Username     string     `json:"username" db:"username"`
	Name         string     `json:"name" db:"name"`
	AdminID      *int64     `json:"admin_id,omitempty" db:"admin_id"`
	ChannelID    *string    `json:"channel_id,omitempty" db:"channel_id"`
	Status       string     `json:"status" db:"status"`
	ProcessID    *int       `json:"process_id,omitempty" db:"process_id"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastActivity *time.Time `json:"last_activity,omitempty" db:"last_activity"`
}

// Subscription represents one time-boxed subscription row. A bot has at most
// one row with Active set; AddSubscription enforces this atomically.
type Subscription struct {
	ID        int64     `json:"id" db:"id"`
	BotID     int64     `json:"bot_id" db:"bot_id"`
	Plan      string    `json:"plan" db:"plan"`
	StartDate time.Time `json:"start_date" db:"start_date"`
	EndDate   time.Time `json:"end_date" db:"end_date"`
	Active    bool      `json:"active" db:"active"`
}

// DaysLeft returns whole days until the subscription end, negative if past.
func (s *Subscription) DaysLeft(now time.Time) int {
	return int(s.EndDate.Sub(now).Hours() / 24)
}
