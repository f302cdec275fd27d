package model

import "time"

// Job is the status record of a single job as reported by the service.
type Job struct {
	ID         string            `json:"id"`
	BatchID    string            `json:"batch_id,omitempty"`
	State      State             `json:"state"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Error      string            `json:"error,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Callback   string            `json:"callback,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// JobTerminal reports whether a job status record is in a terminal state.
// A nil record or an empty/unknown state is not terminal.
func JobTerminal(j *Job) bool {
	return j != nil && j.State.Terminal()
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	c.Attributes = cloneMap(j.Attributes)
	return &c
}

// Succeeded reports whether the job completed with exit code 0.
func (j *Job) Succeeded() bool {
	return j.State == StateComplete && j.ExitCode != nil && *j.ExitCode == 0
}

// LogResponse is the body of GET /jobs/{id}/log.
type LogResponse struct {
	ID  string `json:"id"`
	Log string `json:"log"`
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
