package storage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"tgninja/pkg/logx"
)

// Store is the durable job store.
//
// Every write is atomic per job. SetStatus and ClaimDue are compare-and-update
// operations; a false result means another writer got there first.
type Store interface {
	CreateJob(ctx context.Context, j Job) error
	LoadJob(ctx context.Context, id string) (Job, error)
	// FindDueJobs returns active jobs of kind that are due at now and whose
	// account is not impaired.
	FindDueJobs(ctx context.Context, kind Kind, now time.Time) ([]Job, error)
	ListJobs(ctx context.Context, userRef int64) ([]Job, error)
	ListByStatus(ctx context.Context, status Status) ([]Job, error)
	// DeleteJob removes a job and its parsed members. It reports false when
	// the job did not exist.
	DeleteJob(ctx context.Context, id string) (bool, error)

	SetStatus(ctx context.Context, t Transition) (bool, error)
	// ClaimDue moves next_due from expect to next and stamps the run at at.
	// Only one caller wins a given expect value.
	ClaimDue(ctx context.Context, id string, expect, next, at time.Time) (bool, error)
	// SaveOutcome adds the counters and due times of o. o.Status only lands
	// while the job is still in_progress, so a concurrent stop wins.
	SaveOutcome(ctx context.Context, o Outcome) error

	SaveAccount(ctx context.Context, a Account) error
	LoadAccount(ctx context.Context, ref string) (Account, error)
	MarkImpaired(ctx context.Context, ref, reason string, at time.Time) error

	// SaveMembers stores members of group for jobID, ignoring duplicates,
	// and returns how many were new.
	SaveMembers(ctx context.Context, jobID, group string, members []Member) (int, error)
	CountMembers(ctx context.Context, jobID string) (int, error)
	// ListMembers returns the members of jobID in the order they were saved.
	ListMembers(ctx context.Context, jobID string) ([]Member, error)

	AppendActivity(ctx context.Context, e ActivityEntry) error
	// ListActivity returns up to limit entries of userRef, newest first.
	ListActivity(ctx context.Context, userRef int64, limit int) ([]ActivityEntry, error)
	PruneActivity(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}

func validateJob(j Job) error {
	switch {
	case strings.TrimSpace(j.ID) == "":
		return errors.Wrap(ErrInvalid, "job id is empty")
	case !j.Kind.Valid():
		return errors.Wrapf(ErrInvalid, "job kind %q", j.Kind)
	case strings.TrimSpace(j.AccountRef) == "":
		return errors.Wrap(ErrInvalid, "job account is empty")
	case j.Status == "":
		return errors.Wrap(ErrInvalid, "job status is empty")
	}
	return nil
}

func validateOutcome(o Outcome) error {
	if o.SucceededDelta < 0 || o.FailedDelta < 0 {
		return errors.Wrap(ErrInvalid, "counter deltas must be non-negative")
	}
	return nil
}

func statusIn(s Status, set []Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
