package model

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Scope restricts similarity search to one conversation's history. A zero
// UserID or ChatID means the field is not filtered; at least one of them
// must be set. Since, when not zero, excludes chunks created before it.
type Scope struct {
	UserID int64
	ChatID int64
	Since  time.Time
}

// Validate checks that the scope filters by user or chat
func (x Scope) Validate() error {
	if x.UserID == 0 && x.ChatID == 0 {
		return goerr.New("scope must have user id or chat id", goerr.T(TagQuery))
	}
	return nil
}

// Match returns true if a message owned by userID and chatID and created at
// createdAt falls inside the scope
func (x Scope) Match(userID, chatID int64, createdAt time.Time) bool {
	if x.UserID != 0 && x.UserID != userID {
		return false
	}
	if x.ChatID != 0 && x.ChatID != chatID {
		return false
	}
	if !x.Since.IsZero() && createdAt.Before(x.Since) {
		return false
	}
	return true
}

// WithinDays returns a copy of the scope limited to the last n days counted
// from now. n <= 0 leaves the scope unbounded in time.
func (x Scope) WithinDays(n int, now time.Time) Scope {
	if n <= 0 {
		return x
	}
	x.Since = now.AddDate(0, 0, -n)
	return x
}
