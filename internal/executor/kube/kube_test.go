package kube

import (
	"batch/internal/apperrors"
	"batch/pkg/model"
	"context"
	"errors"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const testNamespace = "jobs"

func podSpec() *corev1.PodSpec {
	return &corev1.PodSpec{
		Containers: []corev1.Container{{Name: "main", Image: "alpine", Command: []string{"echo", "hi"}}},
	}
}

func newTestExecutor() (*Executor, *fake.Clientset) {
	cs := fake.NewSimpleClientset()
	return NewWithClientset(cs, testNamespace), cs
}

func addPod(t *testing.T, cs *fake.Clientset, jobID, name string, created time.Time, status corev1.PodStatus) {
	t.Helper()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         testNamespace,
			Labels:            map[string]string{labelJobID: jobID},
			CreationTimestamp: metav1.NewTime(created),
		},
		Spec:   *podSpec(),
		Status: status,
	}
	if _, err := cs.CoreV1().Pods(testNamespace).Create(context.Background(), pod, metav1.CreateOptions{}); err != nil {
		t.Fatalf("create pod: %v", err)
	}
}

func setJobStatus(t *testing.T, cs *fake.Clientset, jobID string, status batchv1.JobStatus) {
	t.Helper()
	jobs := cs.BatchV1().Jobs(testNamespace)
	k8sJob, err := jobs.Get(context.Background(), jobName(jobID), metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	k8sJob.Status = status
	if _, err := jobs.Update(context.Background(), k8sJob, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("update job status: %v", err)
	}
}

func TestStart_CreatesJob(t *testing.T) {
	t.Parallel()
	e, cs := newTestExecutor()
	ctx := context.Background()

	spec := podSpec()
	spec.RestartPolicy = corev1.RestartPolicyOnFailure
	if err := e.Start(ctx, "abc", spec); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	k8sJob, err := cs.BatchV1().Jobs(testNamespace).Get(ctx, "batch-abc", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("job not created: %v", err)
	}
	if k8sJob.Labels[labelJobID] != "abc" || k8sJob.Spec.Template.Labels[labelJobID] != "abc" {
		t.Errorf("labels = %v / %v", k8sJob.Labels, k8sJob.Spec.Template.Labels)
	}
	if k8sJob.Spec.BackoffLimit == nil || *k8sJob.Spec.BackoffLimit != 0 {
		t.Errorf("backoffLimit = %v, want 0", k8sJob.Spec.BackoffLimit)
	}
	if k8sJob.Spec.Template.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("restart policy = %s", k8sJob.Spec.Template.Spec.RestartPolicy)
	}
	if spec.RestartPolicy != corev1.RestartPolicyOnFailure {
		t.Error("Start must not modify the caller's spec")
	}
	if got := k8sJob.Spec.Template.Spec.Containers[0].Image; got != "alpine" {
		t.Errorf("image = %q", got)
	}
}

func TestStart_Duplicate(t *testing.T) {
	t.Parallel()
	e, _ := newTestExecutor()
	ctx := context.Background()

	if err := e.Start(ctx, "abc", podSpec()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Start(ctx, "abc", podSpec()); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestStart_APIFailure(t *testing.T) {
	t.Parallel()
	e, cs := newTestExecutor()
	cs.PrependReactor("create", "jobs", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("api server unavailable")
	})

	err := e.Start(context.Background(), "abc", podSpec())
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("expected unavailable, got %v", err)
	}
}

func TestStart_EmptySpec(t *testing.T) {
	t.Parallel()
	e, _ := newTestExecutor()
	if err := e.Start(context.Background(), "abc", &corev1.PodSpec{}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestInspect_Lifecycle(t *testing.T) {
	t.Parallel()
	e, cs := newTestExecutor()
	ctx := context.Background()

	if _, err := e.Inspect(ctx, "abc"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found before Start, got %v", err)
	}
	if err := e.Start(ctx, "abc", podSpec()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	obs, err := e.Inspect(ctx, "abc")
	if err != nil || obs.State != model.StatePending {
		t.Fatalf("new job: %+v, %v", obs, err)
	}

	now := time.Now()
	addPod(t, cs, "abc", "batch-abc-1", now, corev1.PodStatus{Phase: corev1.PodRunning})
	setJobStatus(t, cs, "abc", batchv1.JobStatus{Active: 1})
	if obs, _ := e.Inspect(ctx, "abc"); obs.State != model.StateRunning {
		t.Errorf("running pod: state = %s", obs.State)
	}

	setJobStatus(t, cs, "abc", batchv1.JobStatus{Succeeded: 1})
	obs, _ = e.Inspect(ctx, "abc")
	if obs.State != model.StateComplete || obs.ExitCode == nil || *obs.ExitCode != 0 {
		t.Errorf("succeeded: %+v", obs)
	}
}

func TestInspect_FailedExitCode(t *testing.T) {
	t.Parallel()
	e, cs := newTestExecutor()
	ctx := context.Background()
	e.Start(ctx, "abc", podSpec())

	now := time.Now()
	addPod(t, cs, "abc", "old", now.Add(-time.Minute), corev1.PodStatus{Phase: corev1.PodFailed})
	addPod(t, cs, "abc", "new", now, corev1.PodStatus{
		Phase: corev1.PodFailed,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  "main",
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 42, Reason: "Error"}},
		}},
	})
	setJobStatus(t, cs, "abc", batchv1.JobStatus{
		Failed: 1,
		Conditions: []batchv1.JobCondition{{
			Type: batchv1.JobFailed, Status: corev1.ConditionTrue,
			Reason: "BackoffLimitExceeded", Message: "Job has reached the specified backoff limit",
		}},
	})

	obs, err := e.Inspect(ctx, "abc")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if obs.State != model.StateComplete || *obs.ExitCode != 42 {
		t.Errorf("failed: %+v", obs)
	}
	if obs.Error != "Job has reached the specified backoff limit" {
		t.Errorf("error = %q", obs.Error)
	}
}

func TestObserve(t *testing.T) {
	t.Parallel()
	failedNoPod := &batchv1.Job{Status: batchv1.JobStatus{Failed: 1}}
	obs := observe(failedNoPod, nil)
	if obs.State != model.StateComplete || *obs.ExitCode != 1 || obs.Error != "" {
		t.Errorf("failed without pod: %+v", obs)
	}

	completeCondition := &batchv1.Job{Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
		{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
	}}}
	if obs := observe(completeCondition, nil); obs.State != model.StateComplete {
		t.Errorf("complete condition: %+v", obs)
	}

	pendingPod := &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodPending}}
	if obs := observe(&batchv1.Job{}, pendingPod); obs.State != model.StatePending {
		t.Errorf("pending pod: %+v", obs)
	}

	falseCondition := &batchv1.Job{Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
		{Type: batchv1.JobFailed, Status: corev1.ConditionFalse},
	}}}
	if obs := observe(falseCondition, nil); obs.State != model.StatePending {
		t.Errorf("false condition: %+v", obs)
	}
}

func TestLog(t *testing.T) {
	t.Parallel()
	e, cs := newTestExecutor()
	ctx := context.Background()

	if _, err := e.Log(ctx, "abc"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	e.Start(ctx, "abc", podSpec())
	log, err := e.Log(ctx, "abc")
	if err != nil || log != "" {
		t.Errorf("no pod yet: %q, %v", log, err)
	}

	addPod(t, cs, "abc", "batch-abc-1", time.Now(), corev1.PodStatus{Phase: corev1.PodRunning})
	log, err = e.Log(ctx, "abc")
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	// The fake clientset serves a fixed body for every pod.
	if log != "fake logs" {
		t.Errorf("log = %q", log)
	}
}

func TestStopSuspends(t *testing.T) {
	t.Parallel()
	e, cs := newTestExecutor()
	ctx := context.Background()

	if err := e.Stop(ctx, "abc"); err != nil {
		t.Errorf("Stop of unknown job: %v", err)
	}

	e.Start(ctx, "abc", podSpec())
	if err := e.Stop(ctx, "abc"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	k8sJob, _ := cs.BatchV1().Jobs(testNamespace).Get(ctx, "batch-abc", metav1.GetOptions{})
	if k8sJob.Spec.Suspend == nil || !*k8sJob.Spec.Suspend {
		t.Error("job should be suspended")
	}
	if err := e.Stop(ctx, "abc"); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	e, _ := newTestExecutor()
	ctx := context.Background()

	e.Start(ctx, "abc", podSpec())
	if err := e.Remove(ctx, "abc"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := e.Inspect(ctx, "abc"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found after Remove, got %v", err)
	}
	if err := e.Remove(ctx, "abc"); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestReady(t *testing.T) {
	t.Parallel()
	e, cs := newTestExecutor()
	if err := e.Ready(context.Background()); err != nil {
		t.Errorf("Ready failed: %v", err)
	}

	cs.PrependReactor("list", "namespaces", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("connection refused")
	})
	if err := e.Ready(context.Background()); err == nil {
		t.Error("expected Ready to fail")
	}
}

func TestNewWithClientset_DefaultNamespace(t *testing.T) {
	t.Parallel()
	e := NewWithClientset(fake.NewSimpleClientset(), "")
	if e.namespace != "default" {
		t.Errorf("namespace = %q", e.namespace)
	}
}
