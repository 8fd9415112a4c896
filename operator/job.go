/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package operator

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/aogaki/delila2/cmn/cos"
)

// JobState is one of the four states an asynchronous Operator job passes
// through (spec.md §3 "Job").
type JobState string

const (
	JobPending   JobState = "Pending"
	JobRunning   JobState = "Running"
	JobCompleted JobState = "Completed"
	JobFailed    JobState = "Failed"
)

// Job is the async work record returned by every …AllAsync call.
type Job struct {
	JobID        string   `json:"job_id"`
	Op           string   `json:"op"`
	State        JobState `json:"state"`
	CreatedAtMs  int64    `json:"created_at_ms"`
	CompletedMs  int64    `json:"completed_at_ms,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// ledger persists the job table in an embedded buntdb database, so a
// restarted Operator can still answer GetJobStatus for work it dispatched
// before the restart (spec.md §4.6 "a table of jobs"). The teacher's go.mod
// pulls in buntdb without using it; this is its concrete home.
type ledger struct {
	db *buntdb.DB
}

// newLedger opens (or creates) the job ledger at path. path may be
// ":memory:" for a process-local, non-persistent ledger (tests, or an
// Operator that does not need restart-survival).
func newLedger(path string) (*ledger, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "operator: open job ledger")
	}
	return &ledger{db: db}, nil
}

func (l *ledger) close() error { return l.db.Close() }

func (l *ledger) put(j Job) error {
	buf, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "operator: marshal job")
	}
	return l.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(j.JobID, string(buf), nil)
		return err
	})
}

func (l *ledger) get(jobID string) (Job, bool, error) {
	var j Job
	var raw string
	err := l.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(jobID)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if err == buntdb.ErrNotFound {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, errors.Wrap(err, "operator: read job")
	}
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return Job{}, false, errors.Wrap(err, "operator: unmarshal job")
	}
	return j, true, nil
}

// pruneOlderThan deletes every Completed or Failed job whose CompletedMs
// predates cutoff, keeping the ledger from growing unbounded across a long
// Operator uptime. Pending/Running jobs are never pruned.
func (l *ledger) pruneOlderThan(cutoff time.Time) (int, error) {
	cutoffMs := cutoff.UnixMilli()
	var stale []string
	err := l.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var j Job
			if err := json.Unmarshal([]byte(value), &j); err == nil {
				if (j.State == JobCompleted || j.State == JobFailed) && j.CompletedMs > 0 && j.CompletedMs < cutoffMs {
					stale = append(stale, key)
				}
			}
			return true
		})
	})
	if err != nil {
		return 0, errors.Wrap(err, "operator: scan job ledger")
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = l.db.Update(func(tx *buntdb.Tx) error {
		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "operator: prune job ledger")
	}
	return len(stale), nil
}

// newJobID mints a job identifier unique for this Operator's lifetime
// (spec.md §3 "Job id is unique per Operator lifetime"), reusing the same
// short-ID generator every component/request ID in this module draws from.
func newJobID() string { return cos.GenUUID() }
