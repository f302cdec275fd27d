package model

import "time"

// Batch is the status record of a batch: a named grouping of jobs with a
// job count for every state.
type Batch struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Jobs       map[State]int     `json:"jobs"`
	CreatedAt  time.Time         `json:"created_at"`
}

// BatchTerminal reports whether no job of the batch is left in the Created
// state. Running jobs do not hold a batch open; a batch with no jobs is
// terminal.
func BatchTerminal(b *Batch) bool {
	return b != nil && b.Jobs[StateCreated] == 0
}

// Total returns the number of jobs in the batch.
func (b *Batch) Total() int {
	n := 0
	for _, c := range b.Jobs {
		n += c
	}
	return n
}

// NewCounts returns a count map holding a zero for every state.
func NewCounts() map[State]int {
	counts := make(map[State]int, len(States))
	for _, s := range States {
		counts[s] = 0
	}
	return counts
}

// CreateBatchRequest is the body of POST /batches/create.
type CreateBatchRequest struct {
	Attributes map[string]string `json:"attributes,omitempty"`
}
