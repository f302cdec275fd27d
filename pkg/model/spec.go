package model

import (
	corev1 "k8s.io/api/core/v1"
)

// JobSpec describes the work submitted at creation time: a pod spec, user
// attributes and an optional completion callback URL. Construct it with
// NewJobSpec; the accessors return copies so a JobSpec never changes after
// construction.
type JobSpec struct {
	pod        corev1.PodSpec
	attributes map[string]string
	callback   string
}

// NewJobSpec deep-copies its inputs into a JobSpec.
func NewJobSpec(pod *corev1.PodSpec, attributes map[string]string, callback string) JobSpec {
	return JobSpec{
		pod:        *pod.DeepCopy(),
		attributes: cloneMap(attributes),
		callback:   callback,
	}
}

// Pod returns a copy of the pod spec.
func (s JobSpec) Pod() *corev1.PodSpec { return s.pod.DeepCopy() }

// Attributes returns a copy of the user attributes.
func (s JobSpec) Attributes() map[string]string { return cloneMap(s.attributes) }

// Callback returns the completion callback URL, if any.
func (s JobSpec) Callback() string { return s.callback }

// Request builds the wire body for creating this job, optionally in a batch.
func (s JobSpec) Request(batchID string) *CreateJobRequest {
	return &CreateJobRequest{
		Spec:       s.pod.DeepCopy(),
		BatchID:    batchID,
		Attributes: s.Attributes(),
		Callback:   s.callback,
	}
}

// CreateJobRequest is the body of POST /jobs/create.
type CreateJobRequest struct {
	Spec       *corev1.PodSpec   `json:"spec"`
	BatchID    string            `json:"batch_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Callback   string            `json:"callback,omitempty"`
}
