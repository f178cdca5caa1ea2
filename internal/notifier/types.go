package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses repeats of a keyed notification.
	DedupWindow time.Duration
}

// Notification is one message to a user.
type Notification struct {
	UserRef int64
	Text    string
	// Key, when set, enables dedup within Config.DedupWindow.
	Key string
}

// Sender delivers a text to a user's private chat.
type Sender interface {
	Send(ctx context.Context, userRef int64, text string) error
}

type HistoryItem struct {
	At      time.Time
	UserRef int64
	Text    string
}
