package engine

import (
	"time"
)

// Config controls job execution.
//
// The scheduler only decides when recurring jobs are due; everything about how
// a job runs belongs here. The app layer maps config.automation, comments and
// parse onto this struct.
type Config struct {
	MinCadence time.Duration
	MaxCadence time.Duration

	// PeerFloodCooldown is slept when the platform signals a temporary block
	// without saying for how long.
	PeerFloodCooldown time.Duration

	StoreRetry RetryPolicy
	Comments   CommentPolicy
	Parse      ParsePolicy
}

// RetryPolicy bounds retries of one durable write.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Jitter   float64 // 0.2 = 20%
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 5
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 10 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// CommentPolicy decides which channel posts get a comment in one pass.
type CommentPolicy struct {
	MaxPerPass      int
	RecentPosts     int
	MinPostLen      int
	MaxPostAge      time.Duration
	PickProbability float64
	SpamWords       []string
	// Template is used when a comment job has none of its own.
	Template string
}

type ParsePolicy struct {
	MaxMembers int
}

func (c Config) withDefaults() Config {
	if c.MinCadence <= 0 {
		c.MinCadence = time.Hour
	}
	if c.MaxCadence <= 0 {
		c.MaxCadence = 24 * time.Hour
	}
	if c.PeerFloodCooldown <= 0 {
		c.PeerFloodCooldown = 5 * time.Minute
	}
	c.StoreRetry = c.StoreRetry.withDefaults()

	cp := &c.Comments
	if cp.MaxPerPass <= 0 {
		cp.MaxPerPass = 3
	}
	if cp.RecentPosts <= 0 {
		cp.RecentPosts = 5
	}
	if cp.MinPostLen <= 0 {
		cp.MinPostLen = 50
	}
	if cp.MaxPostAge <= 0 {
		cp.MaxPostAge = 24 * time.Hour
	}
	if cp.PickProbability <= 0 {
		cp.PickProbability = 0.3
	}
	if cp.SpamWords == nil {
		cp.SpamWords = []string{"реклама", "скидка", "купить", "заказать", "промокод"}
	}
	if c.Parse.MaxMembers <= 0 {
		c.Parse.MaxMembers = 10000
	}
	return c
}

// Event types published on the bus.
const (
	EventJobStarted      = "job.started"
	EventJobFinished     = "job.finished"
	EventAccountImpaired = "account.impaired"
)

// JobEvent is the payload of job.* events.
type JobEvent struct {
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`
	UserRef    int64  `json:"user_ref"`
	AccountRef string `json:"account_ref"`
	// Status is the persisted status after the run.
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Satisfied int    `json:"satisfied"`
	Error     string `json:"error,omitempty"`
	Recurring bool   `json:"recurring"`
}

// ImpairedEvent is the payload of account.impaired.
type ImpairedEvent struct {
	AccountRef string `json:"account_ref"`
	UserRef    int64  `json:"user_ref"`
	JobID      string `json:"job_id"`
	Reason     string `json:"reason"`
}

// Summary is the result of one executor run.
type Summary struct {
	Total     int
	Processed int
	Succeeded int
	Failed    int
	Satisfied int
	// Impaired is set when a session-fatal result aborted the run.
	Impaired bool
	// Stopped is set when the run observed cancellation between items.
	Stopped bool
	Reason  string
	// PersistErr is the last durable write error that could not be retried away.
	PersistErr error
}
