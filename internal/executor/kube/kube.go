// Package kube implements job.Executor on Kubernetes. Each job runs as a
// batch/v1 Job with no retries, labelled with the batch job id.
package kube

import (
	"batch/internal/apperrors"
	"batch/internal/job"
	"batch/pkg/model"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Job and pod labels
const (
	labelJobID     = "batch.job-id"
	labelManagedBy = "app.kubernetes.io/managed-by"
	managedBy      = "batch-service"
)

// Executor implements job.Executor using the Kubernetes batch API.
type Executor struct {
	clientset kubernetes.Interface
	namespace string
	logger    *slog.Logger
}

// New builds a clientset from cfg.Kubeconfig, or from the in-cluster
// service account when it is empty.
func New(cfg Config) (*Executor, error) {
	restConfig, err := restConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return NewWithClientset(clientset, cfg.Namespace), nil
}

// NewWithClientset wraps an existing clientset.
func NewWithClientset(clientset kubernetes.Interface, namespace string) *Executor {
	if namespace == "" {
		namespace = "default"
	}
	return &Executor{
		clientset: clientset,
		namespace: namespace,
		logger:    slog.With("component", "kube-executor", "namespace", namespace),
	}
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
		}
		return cfg, nil
	}
	if strings.HasPrefix(kubeconfig, "~/") {
		home := homedir.HomeDir()
		if home == "" {
			return nil, fmt.Errorf("could not locate home directory for kubeconfig")
		}
		kubeconfig = filepath.Join(home, kubeconfig[2:])
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build config from kubeconfig %s: %w", kubeconfig, err)
	}
	return cfg, nil
}

func jobName(jobID string) string {
	return "batch-" + jobID
}

// buildJob wraps a pod spec in a Job that runs it once.
func buildJob(jobID, namespace string, spec *corev1.PodSpec) *batchv1.Job {
	labels := map[string]string{
		labelJobID:     jobID,
		labelManagedBy: managedBy,
	}
	pod := spec.DeepCopy()
	pod.RestartPolicy = corev1.RestartPolicyNever
	backoffLimit := int32(0)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(jobID),
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       *pod,
			},
		},
	}
}

// Start creates the Kubernetes Job.
func (e *Executor) Start(ctx context.Context, jobID string, spec *corev1.PodSpec) error {
	if spec == nil || len(spec.Containers) == 0 {
		return apperrors.Validation("spec.containers", "spec must have at least one container")
	}
	k8sJob := buildJob(jobID, e.namespace, spec)
	_, err := e.clientset.BatchV1().Jobs(e.namespace).Create(ctx, k8sJob, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		return apperrors.Conflict("job", jobID, "job already started")
	}
	if err != nil {
		return apperrors.Unavailable("kube.createJob", err)
	}
	e.logger.Debug("Job created", "jobId", jobID, "name", k8sJob.Name)
	return nil
}

// Inspect reads the Job status and, for exit codes and the running phase,
// its most recent pod.
func (e *Executor) Inspect(ctx context.Context, jobID string) (*job.Observation, error) {
	k8sJob, err := e.clientset.BatchV1().Jobs(e.namespace).Get(ctx, jobName(jobID), metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return nil, apperrors.NotFound("job", jobID)
	}
	if err != nil {
		return nil, apperrors.Unavailable("kube.getJob", err)
	}

	pod, err := e.latestPod(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return observe(k8sJob, pod), nil
}

// observe maps a Job and its latest pod (may be nil) onto an observation.
func observe(k8sJob *batchv1.Job, pod *corev1.Pod) *job.Observation {
	status := k8sJob.Status
	switch {
	case status.Succeeded > 0 || hasCondition(k8sJob, batchv1.JobComplete):
		return &job.Observation{State: model.StateComplete, ExitCode: job.ExitCode(0)}

	case status.Failed > 0 || hasCondition(k8sJob, batchv1.JobFailed):
		obs := &job.Observation{State: model.StateComplete, ExitCode: job.ExitCode(1), Error: conditionMessage(k8sJob, batchv1.JobFailed)}
		if term := terminated(pod); term != nil {
			obs.ExitCode = job.ExitCode(int(term.ExitCode))
			if obs.Error == "" {
				obs.Error = term.Reason
			}
		}
		return obs

	case pod != nil && pod.Status.Phase == corev1.PodRunning:
		return &job.Observation{State: model.StateRunning}
	}
	return &job.Observation{State: model.StatePending}
}

func hasCondition(k8sJob *batchv1.Job, t batchv1.JobConditionType) bool {
	for _, c := range k8sJob.Status.Conditions {
		if c.Type == t && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func conditionMessage(k8sJob *batchv1.Job, t batchv1.JobConditionType) string {
	for _, c := range k8sJob.Status.Conditions {
		if c.Type == t && c.Status == corev1.ConditionTrue {
			if c.Message != "" {
				return c.Message
			}
			return c.Reason
		}
	}
	return ""
}

// terminated returns the termination state of the pod's first container.
func terminated(pod *corev1.Pod) *corev1.ContainerStateTerminated {
	if pod == nil || len(pod.Spec.Containers) == 0 {
		return nil
	}
	main := pod.Spec.Containers[0].Name
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == main {
			return cs.State.Terminated
		}
	}
	return nil
}

// latestPod returns the newest pod of a job, or nil if none exists yet.
func (e *Executor) latestPod(ctx context.Context, jobID string) (*corev1.Pod, error) {
	pods, err := e.clientset.CoreV1().Pods(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", labelJobID, jobID),
	})
	if err != nil {
		return nil, apperrors.Unavailable("kube.listPods", err)
	}

	var latest *corev1.Pod
	for i := range pods.Items {
		p := &pods.Items[i]
		if latest == nil || latest.CreationTimestamp.Before(&p.CreationTimestamp) {
			latest = p
		}
	}
	return latest, nil
}

// Log returns the output of the job pod's first container.
func (e *Executor) Log(ctx context.Context, jobID string) (string, error) {
	if _, err := e.clientset.BatchV1().Jobs(e.namespace).Get(ctx, jobName(jobID), metav1.GetOptions{}); err != nil {
		if k8serrors.IsNotFound(err) {
			return "", apperrors.NotFound("job", jobID)
		}
		return "", apperrors.Unavailable("kube.getJob", err)
	}

	pod, err := e.latestPod(ctx, jobID)
	if err != nil || pod == nil {
		return "", err
	}

	opts := &corev1.PodLogOptions{}
	if len(pod.Spec.Containers) > 0 {
		opts.Container = pod.Spec.Containers[0].Name
	}
	stream, err := e.clientset.CoreV1().Pods(e.namespace).GetLogs(pod.Name, opts).Stream(ctx)
	if err != nil {
		return "", apperrors.Unavailable("kube.podLogs", err)
	}
	defer stream.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, stream); err != nil {
		return "", apperrors.Unavailable("kube.podLogs", err)
	}
	return buf.String(), nil
}

// Stop suspends the Job, which terminates its active pods.
func (e *Executor) Stop(ctx context.Context, jobID string) error {
	jobs := e.clientset.BatchV1().Jobs(e.namespace)
	k8sJob, err := jobs.Get(ctx, jobName(jobID), metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return apperrors.Unavailable("kube.getJob", err)
	}
	if k8sJob.Spec.Suspend != nil && *k8sJob.Spec.Suspend {
		return nil
	}

	suspend := true
	k8sJob.Spec.Suspend = &suspend
	if _, err := jobs.Update(ctx, k8sJob, metav1.UpdateOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		return apperrors.Unavailable("kube.suspendJob", err)
	}
	return nil
}

// Remove deletes the Job and, in the background, its pods.
func (e *Executor) Remove(ctx context.Context, jobID string) error {
	policy := metav1.DeletePropagationBackground
	err := e.clientset.BatchV1().Jobs(e.namespace).Delete(ctx, jobName(jobID), metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !k8serrors.IsNotFound(err) {
		return apperrors.Unavailable("kube.deleteJob", err)
	}
	return nil
}

// Ready checks that the API server answers.
func (e *Executor) Ready(ctx context.Context) error {
	if _, err := e.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("failed to connect to Kubernetes API: %w", err)
	}
	return nil
}

// Close is a no-op; the clientset holds no resources that need releasing.
func (e *Executor) Close() error { return nil }

var _ job.Executor = (*Executor)(nil)
