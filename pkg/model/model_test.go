package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"
)

func TestJobTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		job  *Job
		want bool
	}{
		{"complete", &Job{State: StateComplete}, true},
		{"cancelled", &Job{State: StateCancelled}, true},
		{"created", &Job{State: StateCreated}, false},
		{"pending", &Job{State: StatePending}, false},
		{"running", &Job{State: StateRunning}, false},
		{"empty state", &Job{State: ""}, false},
		{"unknown state", &Job{State: "Exploded"}, false},
		{"nil record", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := JobTerminal(tt.job); got != tt.want {
				t.Errorf("JobTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBatchTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		batch *Batch
		want  bool
	}{
		{"created pending", &Batch{Jobs: map[State]int{StateCreated: 3}}, false},
		{"one created left", &Batch{Jobs: map[State]int{StateCreated: 1, StateRunning: 2}}, false},
		{"none created but running", &Batch{Jobs: map[State]int{StateCreated: 0, StateRunning: 2}}, true},
		{"all complete", &Batch{Jobs: map[State]int{StateComplete: 4}}, true},
		{"empty batch", &Batch{Jobs: NewCounts()}, true},
		{"nil counts", &Batch{}, true},
		{"nil record", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := BatchTerminal(tt.batch); got != tt.want {
				t.Errorf("BatchTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()

	for _, s := range States {
		got, err := ParseState(string(s))
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = %q, %v", s, got, err)
		}
	}

	_, err := ParseState("Finished")
	if !errors.Is(err, ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
	if !strings.Contains(err.Error(), `"Finished"`) {
		t.Errorf("error should name the invalid value, got %q", err.Error())
	}
}

func TestBatch_JSONCounts(t *testing.T) {
	t.Parallel()
	var b Batch
	if err := json.Unmarshal([]byte(`{"id":"b1","jobs":{"Created":0,"Running":2}}`), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.Jobs[StateRunning] != 2 || b.Total() != 2 {
		t.Errorf("unexpected counts %v", b.Jobs)
	}
	if !BatchTerminal(&b) {
		t.Error("expected batch with no Created jobs to be terminal")
	}
}

func TestJobSpec_Immutable(t *testing.T) {
	t.Parallel()
	pod := &corev1.PodSpec{Containers: []corev1.Container{{Name: "main", Image: "alpine"}}}
	attrs := map[string]string{"name": "a"}

	spec := NewJobSpec(pod, attrs, "http://example.com/cb")

	pod.Containers[0].Image = "ubuntu"
	attrs["name"] = "b"
	if spec.Pod().Containers[0].Image != "alpine" {
		t.Error("spec changed when the source pod changed")
	}
	if spec.Attributes()["name"] != "a" {
		t.Error("spec changed when the source attributes changed")
	}

	spec.Pod().Containers[0].Image = "busybox"
	spec.Attributes()["name"] = "c"
	if spec.Pod().Containers[0].Image != "alpine" || spec.Attributes()["name"] != "a" {
		t.Error("spec changed through an accessor copy")
	}

	req := spec.Request("batch-1")
	if req.BatchID != "batch-1" || req.Callback != "http://example.com/cb" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestJob_Clone(t *testing.T) {
	t.Parallel()
	code := 3
	j := &Job{ID: "j", ExitCode: &code, Attributes: map[string]string{"k": "v"}}
	c := j.Clone()
	*c.ExitCode = 9
	c.Attributes["k"] = "w"
	if *j.ExitCode != 3 || j.Attributes["k"] != "v" {
		t.Error("clone shares state with original")
	}
	if (*Job)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}
