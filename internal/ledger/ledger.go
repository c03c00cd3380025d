// Package ledger keeps a bounded in-memory history of print jobs. Nothing
// here survives a restart, the ledger exists so dashboards can show recent
// activity and so results can be matched back to their jobs.
package ledger

import (
	"sort"
	"sync"
	"time"
)

// Job statuses. Transitions only ever move forward:
// pending -> printing -> success|failed.
const (
	StatusPending  = "pending"
	StatusPrinting = "printing"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
)

const DefaultCap = 1000

// Job is one print job's lifecycle record.
type Job struct {
	ID          string     `json:"id"`
	Room        string     `json:"room"`
	UserID      string     `json:"userId,omitempty"`
	AgentID     string     `json:"agentId"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Ledger is a capacity-bounded job history. When an insert pushes the size
// past the cap the oldest records are dropped right away, so the ledger
// never holds more than cap entries after Create returns.
type Ledger struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	cap  int
}

func New(cap int) *Ledger {
	if cap <= 0 {
		cap = DefaultCap
	}

	return &Ledger{
		jobs: make(map[string]*Job),
		cap:  cap,
	}
}

// Create records a new job with status pending.
func (l *Ledger) Create(id, room, userID, agentID, payload string) *Job {
	l.mu.Lock()
	defer l.mu.Unlock()

	j := &Job{
		ID:        id,
		Room:      room,
		UserID:    userID,
		AgentID:   agentID,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	l.jobs[id] = j

	if len(l.jobs) > l.cap {
		l.compact()
	}

	return snapshot(j)
}

// UpdateStatus advances a job. Unknown ids are a no-op, backwards
// transitions are refused, and the completed time is set exactly when the
// job reaches a terminal status.
func (l *Ledger) UpdateStatus(id, status, errText string) *Job {
	l.mu.Lock()
	defer l.mu.Unlock()

	j, ok := l.jobs[id]
	if !ok {
		return nil
	}

	if rank(status) <= rank(j.Status) {
		return snapshot(j)
	}

	j.Status = status
	if status == StatusSuccess || status == StatusFailed {
		now := time.Now()
		j.CompletedAt = &now
		j.Error = errText
	}

	return snapshot(j)
}

func (l *Ledger) Get(id string) *Job {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return snapshot(l.jobs[id])
}

// Recent returns up to limit jobs, newest first. A limit <= 0 returns
// everything.
func (l *Ledger) Recent(limit int) []*Job {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.collect(limit, func(*Job) bool { return true })
}

// ByRoom returns up to limit jobs submitted into the given room, newest
// first.
func (l *Ledger) ByRoom(room string, limit int) []*Job {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.collect(limit, func(j *Job) bool { return j.Room == room })
}

// Stats counts jobs per status.
func (l *Ledger) Stats() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := map[string]int{
		StatusPending:  0,
		StatusPrinting: 0,
		StatusSuccess:  0,
		StatusFailed:   0,
	}
	for _, j := range l.jobs {
		out[j.Status]++
	}

	return out
}

func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.jobs)
}

// FailForAgent marks every non-terminal job assigned to the given agent as
// failed. Used when an agent drops before reporting results, so jobs don't
// sit in printing forever.
func (l *Ledger) FailForAgent(agentID, errText string) []*Job {
	l.mu.Lock()
	defer l.mu.Unlock()

	var failed []*Job
	now := time.Now()

	for _, j := range l.jobs {
		if j.AgentID != agentID {
			continue
		}
		if j.Status != StatusPending && j.Status != StatusPrinting {
			continue
		}

		j.Status = StatusFailed
		j.CompletedAt = &now
		j.Error = errText
		failed = append(failed, snapshot(j))
	}

	return failed
}

// compact drops the oldest records until the ledger fits the cap again.
// Sorting at the overflow boundary is fine, inserts only pay for it once
// per overflow.
func (l *Ledger) compact() {
	all := make([]*Job, 0, len(l.jobs))
	for _, j := range l.jobs {
		all = append(all, j)
	}

	sort.Slice(all, func(i, k int) bool {
		return all[i].CreatedAt.After(all[k].CreatedAt)
	})

	for _, j := range all[l.cap:] {
		delete(l.jobs, j.ID)
	}
}

func (l *Ledger) collect(limit int, keep func(*Job) bool) []*Job {
	var out []*Job
	for _, j := range l.jobs {
		if keep(j) {
			out = append(out, snapshot(j))
		}
	}

	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out
}

func rank(status string) int {
	switch status {
	case StatusPending:
		return 0
	case StatusPrinting:
		return 1
	case StatusSuccess, StatusFailed:
		return 2
	default:
		return -1
	}
}

func snapshot(j *Job) *Job {
	if j == nil {
		return nil
	}

	c := *j
	return &c
}
