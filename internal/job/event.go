package job

import (
	"batch/internal/dispatcher"
	"batch/pkg/model"
)

// Notifier delivers completion callbacks. dispatcher.Dispatcher satisfies it.
type Notifier interface {
	Dispatch(event *dispatcher.Event) error
}

// callbackEvent builds the delivery for a job that reached Complete, or nil
// when the job has no callback URL.
func callbackEvent(j *model.Job, signingKey string) *dispatcher.Event {
	if j.Callback == "" || j.State != model.StateComplete {
		return nil
	}
	return &dispatcher.Event{
		Job:         j.Clone(),
		Destination: j.Callback,
		SigningKey:  signingKey,
	}
}
