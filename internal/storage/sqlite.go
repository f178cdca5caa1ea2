package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"tgninja/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

type jobRow struct {
	ID             string `db:"id"`
	Kind           string `db:"kind"`
	UserRef        int64  `db:"user_ref"`
	AccountRef     string `db:"account_ref"`
	Target         string `db:"target"`
	Message        string `db:"message"`
	Items          string `db:"items"`
	CadenceMS      int64  `db:"cadence_ms"`
	CommentsPerDay int    `db:"comments_per_day"`
	Status         string `db:"status"`
	Succeeded      int64  `db:"succeeded"`
	Failed         int64  `db:"failed"`
	Error          string `db:"error"`
	NextDue        int64  `db:"next_due"`
	LastCommentAt  int64  `db:"last_comment_at"`
	LastRunAt      int64  `db:"last_run_at"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r jobRow) job() (Job, error) {
	var items []string
	if err := json.Unmarshal([]byte(r.Items), &items); err != nil {
		return Job{}, errors.Wrapf(err, "job %s: decode items", r.ID)
	}
	return Job{
		ID:             r.ID,
		Kind:           Kind(r.Kind),
		UserRef:        r.UserRef,
		AccountRef:     r.AccountRef,
		Target:         r.Target,
		Message:        r.Message,
		Items:          items,
		Cadence:        time.Duration(r.CadenceMS) * time.Millisecond,
		CommentsPerDay: r.CommentsPerDay,
		Status:         Status(r.Status),
		Succeeded:      r.Succeeded,
		Failed:         r.Failed,
		Error:          r.Error,
		NextDue:        fromMillis(r.NextDue),
		LastCommentAt:  fromMillis(r.LastCommentAt),
		LastRunAt:      fromMillis(r.LastRunAt),
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}, nil
}

func rowsToJobs(rows []jobRow) ([]Job, error) {
	out := make([]Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.job()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

type accountRow struct {
	Ref            string `db:"ref"`
	UserRef        int64  `db:"user_ref"`
	Label          string `db:"label"`
	Credential     string `db:"credential"`
	Impaired       bool   `db:"impaired"`
	ImpairedReason string `db:"impaired_reason"`
	ImpairedAt     int64  `db:"impaired_at"`
	CreatedAt      int64  `db:"created_at"`
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite dir")
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection serializes writers; per-job atomicity relies on it
	// together with single-statement updates.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const jobColumns = `id, kind, user_ref, account_ref, target, message, items, cadence_ms,
	comments_per_day, status, succeeded, failed, error, next_due, last_comment_at,
	last_run_at, created_at, updated_at`

func (s *sqliteStore) CreateJob(ctx context.Context, j Job) error {
	if err := validateJob(j); err != nil {
		return err
	}
	items, err := json.Marshal(append([]string{}, j.Items...))
	if err != nil {
		return errors.Wrap(err, "encode items")
	}
	created := toMillis(nowOr(j.CreatedAt))
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, string(j.Kind), j.UserRef, j.AccountRef, j.Target, j.Message, string(items),
		j.Cadence.Milliseconds(), j.CommentsPerDay, string(j.Status), j.Succeeded, j.Failed,
		j.Error, toMillis(j.NextDue), toMillis(j.LastCommentAt), toMillis(j.LastRunAt),
		created, created,
	)
	return wrapErr("create job", err)
}

func (s *sqliteStore) LoadJob(ctx context.Context, id string) (Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return Job{}, wrapErr("load job", err)
	}
	return r.job()
}

func (s *sqliteStore) FindDueJobs(ctx context.Context, kind Kind, now time.Time) ([]Job, error) {
	q := `SELECT ` + prefixed("j.", jobColumns) + ` FROM jobs j
		LEFT JOIN accounts a ON a.ref = j.account_ref
		WHERE j.kind = ? AND j.status = ? AND COALESCE(a.impaired, 0) = 0`
	args := []any{string(kind), string(StatusActive)}
	if kind == KindBroadcast {
		q += ` AND j.next_due <= ?`
		args = append(args, toMillis(now))
	}
	q += ` ORDER BY j.next_due, j.id`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, wrapErr("find due jobs", err)
	}
	all, err := rowsToJobs(rows)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, j := range all {
		if j.Due(now) {
			out = append(out, j)
		}
	}
	return out, nil
}

func prefixed(p, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func (s *sqliteStore) ListJobs(ctx context.Context, userRef int64) ([]Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE user_ref = ? ORDER BY created_at DESC, id DESC`, userRef)
	if err != nil {
		return nil, wrapErr("list jobs", err)
	}
	return rowsToJobs(rows)
}

func (s *sqliteStore) ListByStatus(ctx context.Context, status Status) ([]Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, wrapErr("list jobs by status", err)
	}
	return rowsToJobs(rows)
}

func (s *sqliteStore) SetStatus(ctx context.Context, t Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, nil
	}
	q, args, err := sqlx.In(`UPDATE jobs SET status = ?, error = ?,
		next_due = CASE WHEN ? = 0 THEN next_due ELSE ? END, updated_at = ?
		WHERE id = ? AND status IN (?)`,
		string(t.To), t.Error, toMillis(t.NextDue), toMillis(t.NextDue), toMillis(nowOr(t.At)),
		t.JobID, statusStrings(t.From))
	if err != nil {
		return false, errors.Wrap(err, "build status update")
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, wrapErr("set status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("set status", err)
	}
	if n == 0 {
		if _, err := s.LoadJob(ctx, t.JobID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func (s *sqliteStore) ClaimDue(ctx context.Context, id string, expect, next, at time.Time) (bool, error) {
	now := toMillis(nowOr(at))
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_due = ?, last_run_at = ?, updated_at = ?
		 WHERE id = ? AND next_due = ? AND status = ?`,
		toMillis(next), now, now, id, toMillis(expect), string(StatusActive))
	if err != nil {
		return false, wrapErr("claim due", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("claim due", err)
	}
	if n == 0 {
		if _, err := s.LoadJob(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// SaveOutcome applies counters, status and due times in one UPDATE.
// The status only moves while the row is still in_progress.
func (s *sqliteStore) SaveOutcome(ctx context.Context, o Outcome) error {
	if err := validateOutcome(o); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
		succeeded = succeeded + ?,
		failed = failed + ?,
		error = CASE WHEN ? = '' OR status <> 'in_progress' THEN error ELSE ? END,
		status = CASE WHEN ? = '' OR status <> 'in_progress' THEN status ELSE ? END,
		next_due = CASE WHEN ? = 0 THEN next_due ELSE ? END,
		last_comment_at = CASE WHEN ? = 0 THEN last_comment_at ELSE ? END,
		updated_at = ?
		WHERE id = ?`,
		o.SucceededDelta, o.FailedDelta,
		string(o.Status), o.Error,
		string(o.Status), string(o.Status),
		toMillis(o.NextDue), toMillis(o.NextDue),
		toMillis(o.LastCommentAt), toMillis(o.LastCommentAt),
		toMillis(nowOr(o.At)), o.JobID)
	if err != nil {
		return wrapErr("save outcome", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("save outcome", err)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", o.JobID)
	}
	return nil
}

func (s *sqliteStore) SaveAccount(ctx context.Context, a Account) error {
	if a.Ref == "" {
		return errors.Wrap(ErrInvalid, "account ref is empty")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts(ref, user_ref, label, credential, impaired, impaired_reason, impaired_at, created_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(ref) DO UPDATE SET user_ref = excluded.user_ref, label = excluded.label,
			credential = excluded.credential, impaired = excluded.impaired,
			impaired_reason = excluded.impaired_reason, impaired_at = excluded.impaired_at`,
		a.Ref, a.UserRef, a.Label, a.Credential, a.Impaired, a.ImpairedReason,
		toMillis(a.ImpairedAt), toMillis(nowOr(a.CreatedAt)))
	return wrapErr("save account", err)
}

func (s *sqliteStore) LoadAccount(ctx context.Context, ref string) (Account, error) {
	var r accountRow
	err := s.db.GetContext(ctx, &r, `SELECT ref, user_ref, label, credential, impaired,
		impaired_reason, impaired_at, created_at FROM accounts WHERE ref = ?`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, errors.Wrapf(ErrNotFound, "account %s", ref)
	}
	if err != nil {
		return Account{}, wrapErr("load account", err)
	}
	return Account{
		Ref:            r.Ref,
		UserRef:        r.UserRef,
		Label:          r.Label,
		Credential:     r.Credential,
		Impaired:       r.Impaired,
		ImpairedReason: r.ImpairedReason,
		ImpairedAt:     fromMillis(r.ImpairedAt),
		CreatedAt:      fromMillis(r.CreatedAt),
	}, nil
}

func (s *sqliteStore) MarkImpaired(ctx context.Context, ref, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET impaired = 1, impaired_reason = ?, impaired_at = ? WHERE ref = ?`,
		reason, toMillis(nowOr(at)), ref)
	if err != nil {
		return wrapErr("mark impaired", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "account %s", ref)
	}
	return nil
}

func (s *sqliteStore) SaveMembers(ctx context.Context, jobID, group string, members []Member) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, wrapErr("save members", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `INSERT OR IGNORE INTO members(job_id, member_key, grp, member_id, username, first_name, last_name)
		VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, wrapErr("save members", err)
	}
	defer stmt.Close()

	added := 0
	for _, m := range members {
		res, err := stmt.ExecContext(ctx, jobID, m.key(), group, m.ID, m.Username, m.FirstName, m.LastName)
		if err != nil {
			return 0, wrapErr("save members", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr("save members", err)
	}
	return added, nil
}

func (s *sqliteStore) CountMembers(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM members WHERE job_id = ?`, jobID); err != nil {
		return 0, wrapErr("count members", err)
	}
	return n, nil
}

type memberRow struct {
	Group     string `db:"grp"`
	ID        int64  `db:"member_id"`
	Username  string `db:"username"`
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`
}

func (s *sqliteStore) ListMembers(ctx context.Context, jobID string) ([]Member, error) {
	var rows []memberRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT grp, member_id, username, first_name, last_name FROM members WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, wrapErr("list members", err)
	}
	out := make([]Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, Member{ID: r.ID, Username: r.Username, FirstName: r.FirstName, LastName: r.LastName, Group: r.Group})
	}
	return out, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, wrapErr("delete job", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE job_id = ?`, id); err != nil {
		return false, wrapErr("delete job", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, wrapErr("delete job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("delete job", err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrapErr("delete job", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) AppendActivity(ctx context.Context, e ActivityEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO activity(at, user_ref, account_ref, action, target, status, details)
		VALUES(?,?,?,?,?,?,?)`,
		toMillis(nowOr(e.At)), e.UserRef, e.AccountRef, e.Action, e.Target, e.Status, e.Details)
	return wrapErr("append activity", err)
}

type activityRow struct {
	ID         int64  `db:"id"`
	At         int64  `db:"at"`
	UserRef    int64  `db:"user_ref"`
	AccountRef string `db:"account_ref"`
	Action     string `db:"action"`
	Target     string `db:"target"`
	Status     string `db:"status"`
	Details    string `db:"details"`
}

func (s *sqliteStore) ListActivity(ctx context.Context, userRef int64, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []activityRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, at, user_ref, account_ref, action, target, status, details FROM activity
		 WHERE user_ref = ? ORDER BY id DESC LIMIT ?`, userRef, limit)
	if err != nil {
		return nil, wrapErr("list activity", err)
	}
	out := make([]ActivityEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, ActivityEntry{
			ID: r.ID, At: fromMillis(r.At), UserRef: r.UserRef, AccountRef: r.AccountRef,
			Action: r.Action, Target: r.Target, Status: r.Status, Details: r.Details,
		})
	}
	return out, nil
}

func (s *sqliteStore) PruneActivity(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity WHERE at < ?`, toMillis(before))
	if err != nil {
		return 0, wrapErr("prune activity", err)
	}
	n, err := res.RowsAffected()
	return n, wrapErr("prune activity", err)
}
