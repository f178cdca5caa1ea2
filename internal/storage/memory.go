package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Memory is a process-local Store. Times are kept at millisecond precision
// so that it behaves like the sqlite driver.
type Memory struct {
	mu       sync.RWMutex
	jobs     map[string]Job
	accounts map[string]Account
	members  map[string]*memberSet
	activity []ActivityEntry
	seq      int64

	// failNext, when set, makes the next n writes fail with a StoreError.
	failNext int
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     map[string]Job{},
		accounts: map[string]Account{},
		members:  map[string]*memberSet{},
	}
}

type memberSet struct {
	seen map[string]struct{}
	list []Member
}

// FailWrites makes the next n writes fail with a retryable error.
func (m *Memory) FailWrites(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

func (m *Memory) injected(op string) error {
	if m.failNext > 0 {
		m.failNext--
		return wrapErr(op, errors.New("injected failure"))
	}
	return nil
}

func ms(t time.Time) time.Time { return fromMillis(toMillis(t)) }

func cloneJob(j Job) Job {
	j.Items = append([]string(nil), j.Items...)
	j.NextDue = ms(j.NextDue)
	j.LastCommentAt = ms(j.LastCommentAt)
	j.LastRunAt = ms(j.LastRunAt)
	j.CreatedAt = ms(j.CreatedAt)
	j.UpdatedAt = ms(j.UpdatedAt)
	j.Cadence = j.Cadence.Truncate(time.Millisecond)
	return j
}

func (m *Memory) CreateJob(_ context.Context, j Job) error {
	if err := validateJob(j); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("create job"); err != nil {
		return err
	}
	if _, ok := m.jobs[j.ID]; ok {
		return errors.Wrapf(ErrInvalid, "job %s already exists", j.ID)
	}
	j.CreatedAt = nowOr(j.CreatedAt)
	j.UpdatedAt = j.CreatedAt
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *Memory) LoadJob(_ context.Context, id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return cloneJob(j), nil
}

func (m *Memory) FindDueJobs(_ context.Context, kind Kind, now time.Time) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Job
	for _, j := range m.jobs {
		if j.Kind != kind || !j.Due(now) {
			continue
		}
		if a, ok := m.accounts[j.AccountRef]; ok && a.Impaired {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sortDue(out)
	return out, nil
}

func sortDue(js []Job) {
	sort.Slice(js, func(a, b int) bool {
		if !js[a].NextDue.Equal(js[b].NextDue) {
			return js[a].NextDue.Before(js[b].NextDue)
		}
		return js[a].ID < js[b].ID
	})
}

func (m *Memory) ListJobs(_ context.Context, userRef int64) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Job
	for _, j := range m.jobs {
		if j.UserRef == userRef {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})
	return out, nil
}

func (m *Memory) ListByStatus(_ context.Context, status Status) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Job
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) SetStatus(_ context.Context, t Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("set status"); err != nil {
		return false, err
	}
	j, ok := m.jobs[t.JobID]
	if !ok {
		return false, errors.Wrapf(ErrNotFound, "job %s", t.JobID)
	}
	if !statusIn(j.Status, t.From) {
		return false, nil
	}
	j.Status = t.To
	j.Error = t.Error
	if !t.NextDue.IsZero() {
		j.NextDue = t.NextDue
	}
	j.UpdatedAt = nowOr(t.At)
	m.jobs[j.ID] = cloneJob(j)
	return true, nil
}

func (m *Memory) ClaimDue(_ context.Context, id string, expect, next, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("claim due"); err != nil {
		return false, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return false, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if toMillis(j.NextDue) != toMillis(expect) || j.Status != StatusActive {
		return false, nil
	}
	j.NextDue = next
	j.LastRunAt = nowOr(at)
	j.UpdatedAt = j.LastRunAt
	m.jobs[id] = cloneJob(j)
	return true, nil
}

func (m *Memory) SaveOutcome(_ context.Context, o Outcome) error {
	if err := validateOutcome(o); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("save outcome"); err != nil {
		return err
	}
	j, ok := m.jobs[o.JobID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", o.JobID)
	}
	j.Succeeded += o.SucceededDelta
	j.Failed += o.FailedDelta
	if o.Status != "" && j.Status == StatusInProgress {
		j.Status = o.Status
		j.Error = o.Error
	}
	if !o.NextDue.IsZero() {
		j.NextDue = o.NextDue
	}
	if !o.LastCommentAt.IsZero() {
		j.LastCommentAt = o.LastCommentAt
	}
	j.UpdatedAt = nowOr(o.At)
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *Memory) SaveAccount(_ context.Context, a Account) error {
	if a.Ref == "" {
		return errors.Wrap(ErrInvalid, "account ref is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("save account"); err != nil {
		return err
	}
	a.CreatedAt = ms(nowOr(a.CreatedAt))
	a.ImpairedAt = ms(a.ImpairedAt)
	m.accounts[a.Ref] = a
	return nil
}

func (m *Memory) LoadAccount(_ context.Context, ref string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[ref]
	if !ok {
		return Account{}, errors.Wrapf(ErrNotFound, "account %s", ref)
	}
	return a, nil
}

func (m *Memory) MarkImpaired(_ context.Context, ref, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("mark impaired"); err != nil {
		return err
	}
	a, ok := m.accounts[ref]
	if !ok {
		return errors.Wrapf(ErrNotFound, "account %s", ref)
	}
	a.Impaired = true
	a.ImpairedReason = reason
	a.ImpairedAt = ms(nowOr(at))
	m.accounts[ref] = a
	return nil
}

func (m *Memory) SaveMembers(_ context.Context, jobID, group string, members []Member) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("save members"); err != nil {
		return 0, err
	}
	set := m.members[jobID]
	if set == nil {
		set = &memberSet{seen: map[string]struct{}{}}
		m.members[jobID] = set
	}
	added := 0
	for _, mem := range members {
		k := mem.key()
		if _, ok := set.seen[k]; ok {
			continue
		}
		set.seen[k] = struct{}{}
		mem.Group = group
		set.list = append(set.list, mem)
		added++
	}
	return added, nil
}

func (m *Memory) CountMembers(_ context.Context, jobID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if set := m.members[jobID]; set != nil {
		return len(set.list), nil
	}
	return 0, nil
}

func (m *Memory) ListMembers(_ context.Context, jobID string) ([]Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.members[jobID]
	if set == nil {
		return nil, nil
	}
	return append([]Member(nil), set.list...), nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("delete job"); err != nil {
		return false, err
	}
	delete(m.members, id)
	if _, ok := m.jobs[id]; !ok {
		return false, nil
	}
	delete(m.jobs, id)
	return true, nil
}

func (m *Memory) AppendActivity(_ context.Context, e ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("append activity"); err != nil {
		return err
	}
	m.seq++
	e.ID = m.seq
	e.At = ms(nowOr(e.At))
	m.activity = append(m.activity, e)
	return nil
}

func (m *Memory) ListActivity(_ context.Context, userRef int64, limit int) ([]ActivityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ActivityEntry
	for i := len(m.activity) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if e := m.activity[i]; e.UserRef == userRef {
			out = append(out, e)
		}
	}
	return out, nil
}

// Activity returns a copy of the activity log, oldest first.
func (m *Memory) Activity() []ActivityEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ActivityEntry(nil), m.activity...)
}

func (m *Memory) PruneActivity(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.activity[:0]
	var n int64
	for _, e := range m.activity {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.activity = kept
	return n, nil
}

func (m *Memory) Close() error { return nil }
