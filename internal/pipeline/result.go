package pipeline

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
	"github.com/i474232898/grid-energy-pipeline/internal/store"
	"github.com/i474232898/grid-energy-pipeline/internal/syncer"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageFetch Stage = "fetch"
	StageWrite Stage = "write"
	StageSync  Stage = "sync"
)

// StageError records a failed stage together with the identity keys it affected, if known.
type StageError struct {
	Stage Stage
	Kind  energy.Kind
	Keys  []energy.IdentityKey
	Err   error
}

func (e StageError) Error() string {
	return string(e.Stage) + " " + string(e.Kind) + ": " + e.Err.Error()
}

func (e StageError) Unwrap() error { return e.Err }

func (e StageError) MarshalJSON() ([]byte, error) {
	keys := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		keys[i] = k.String()
	}
	return json.Marshal(struct {
		Stage Stage       `json:"stage"`
		Kind  energy.Kind `json:"kind"`
		Keys  []string    `json:"keys,omitempty"`
		Error string      `json:"error"`
	}{e.Stage, e.Kind, keys, e.Err.Error()})
}

// KindResult counts one kind's pass through every stage.
type KindResult struct {
	Kind          energy.Kind `json:"kind"`
	FetchAttempts int         `json:"fetch_attempts"`
	Fetched       int         `json:"fetched"`
	Cleaned       int         `json:"cleaned"`
	Accepted      int         `json:"accepted"`
	Duplicates    int         `json:"duplicates"`
	Rejected      int         `json:"rejected"`

	RejectedByReason map[energy.Reason]int `json:"rejected_by_reason,omitempty"`

	Write store.WriteResult `json:"write"`
	Sync  syncer.Result     `json:"sync"`
}

// RunResult describes one finished run. It is built once by Run and never
// mutated afterwards.
type RunResult struct {
	RunID      string        `json:"run_id"`
	Zone       string        `json:"zone"`
	Window     energy.Window `json:"window"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     Status        `json:"status"`
	Kinds      []KindResult  `json:"kinds"`
	Errors     []StageError  `json:"errors,omitempty"`
}

func (r RunResult) Failed() bool { return r.Status == StatusFailed }

func (r RunResult) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Kind returns the counts for one kind.
func (r RunResult) Kind(kind energy.Kind) (KindResult, bool) {
	for _, k := range r.Kinds {
		if k.Kind == kind {
			return k, true
		}
	}
	return KindResult{}, false
}

// Totals sums the per-kind counts.
func (r RunResult) Totals() KindResult {
	var t KindResult
	for _, k := range r.Kinds {
		t.FetchAttempts += k.FetchAttempts
		t.Fetched += k.Fetched
		t.Cleaned += k.Cleaned
		t.Accepted += k.Accepted
		t.Duplicates += k.Duplicates
		t.Rejected += k.Rejected
		t.Write.Attempted += k.Write.Attempted
		t.Write.Inserted += k.Write.Inserted
		t.Write.Updated += k.Write.Updated
		t.Write.Unchanged += k.Write.Unchanged
		t.Write.Stale += k.Write.Stale
		t.Write.Failed += k.Write.Failed
		t.Write.Skipped += k.Write.Skipped
		t.Sync.Batches += k.Sync.Batches
		t.Sync.Read += k.Sync.Read
		t.Sync.Applied += k.Sync.Applied
	}
	return t
}
