package supervisor

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrBotNotFound     = errors.New("bot not found")
	ErrNotRunning      = errors.New("bot is not running")
	ErrProvisionFailed = errors.New("workspace provisioning failed")
	ErrLaunchFailed    = errors.New("process launch failed")
)

// BotError wraps errors with bot control context.
type BotError struct {
	BotID int64
	Op    string // The operation that failed
	Err   error
}

func (e *BotError) Error() string {
	if e.BotID != 0 {
		return fmt.Sprintf("bot %d: %s: %s", e.BotID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *BotError) Unwrap() error {
	return e.Err
}

// IsNotRunning returns true if the error means the bot had no live process.
func IsNotRunning(err error) bool {
	return errors.Is(err, ErrNotRunning)
}

// IsNotFound returns true if the error means the bot record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBotNotFound)
}
