package submission

import (
	"context"
	"time"

	"github.com/xraph/beacon/queue"
)

// Status reports the health of the submission pipeline.
type Status struct {
	Enabled         bool         `json:"enabled"`
	Running         bool         `json:"running"`
	Queue           *queue.Stats `json:"queue"`
	LastAttemptAt   *time.Time   `json:"lastAttemptAt,omitempty"`
	LastSuccessAt   *time.Time   `json:"lastSuccessAt,omitempty"`
	LastError       string       `json:"lastError,omitempty"`
	SuccessCount    int64        `json:"successCount"`
	FailureCount    int64        `json:"failureCount"`
	SubmittedEvents int64        `json:"submittedEvents"`
}

// Status returns queue statistics together with the outcome of recent
// cycles.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Enabled: o.Enabled(),
		Running: o.Running(),
	}
	if o.queue != nil {
		qs, err := o.queue.Stats(ctx)
		if err != nil {
			return nil, err
		}
		st.Queue = qs
	}

	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	st.LastAttemptAt = copyTime(o.lastAttempt)
	st.LastSuccessAt = copyTime(o.lastSuccess)
	st.LastError = o.lastError
	st.SuccessCount = o.successes
	st.FailureCount = o.failures
	st.SubmittedEvents = o.submitted
	return st, nil
}

func (o *Orchestrator) recordSuccess(at time.Time, res *Result) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.lastAttempt = &at
	o.lastSuccess = &at
	o.lastError = ""
	o.successes++
	o.submitted += int64(res.Accepted)
}

func (o *Orchestrator) recordFailure(at time.Time, detail string) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.lastAttempt = &at
	o.lastError = detail
	o.failures++
}

func (o *Orchestrator) recordError(detail string) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.lastError = detail
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
