package client

import (
	"batch/pkg/model"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Volume pairs a pod volume with where it is mounted in the job container.
type Volume struct {
	Volume corev1.Volume
	Mount  corev1.VolumeMount
}

// JobOptions are the parameters a job is created from.
type JobOptions struct {
	Image              string
	Command            []string
	Args               []string
	Env                map[string]string
	Ports              []int32
	Resources          *corev1.ResourceRequirements // default: requests cpu=100m memory=500M
	Tolerations        []corev1.Toleration
	Volumes            []Volume
	SecurityContext    *corev1.SecurityContext
	ServiceAccountName string
	Attributes         map[string]string
	Callback           string // URL notified when the job completes
}

// DefaultResources is applied when JobOptions.Resources is nil.
func DefaultResources() corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("100m"),
			corev1.ResourceMemory: resource.MustParse("500M"),
		},
	}
}

// Spec builds the pod-based job spec: one container named "main", never restarted.
func (o JobOptions) Spec() (model.JobSpec, error) {
	if o.Image == "" {
		return model.JobSpec{}, fmt.Errorf("%w: image is required", ErrInvalidOptions)
	}

	ctr := corev1.Container{
		Name:            "main",
		Image:           o.Image,
		Command:         o.Command,
		Args:            o.Args,
		SecurityContext: o.SecurityContext,
	}

	if len(o.Env) > 0 {
		names := make([]string, 0, len(o.Env))
		for k := range o.Env {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			ctr.Env = append(ctr.Env, corev1.EnvVar{Name: k, Value: o.Env[k]})
		}
	}

	for _, p := range o.Ports {
		if p <= 0 || p > 65535 {
			return model.JobSpec{}, fmt.Errorf("%w: port %d out of range", ErrInvalidOptions, p)
		}
		ctr.Ports = append(ctr.Ports, corev1.ContainerPort{ContainerPort: p, Protocol: corev1.ProtocolTCP})
	}

	if o.Resources != nil {
		ctr.Resources = *o.Resources
	} else {
		ctr.Resources = DefaultResources()
	}

	pod := &corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		Tolerations:        o.Tolerations,
		ServiceAccountName: o.ServiceAccountName,
	}
	for _, v := range o.Volumes {
		if v.Volume.Name == "" {
			return model.JobSpec{}, fmt.Errorf("%w: volume name is required", ErrInvalidOptions)
		}
		mount := v.Mount
		if mount.Name == "" {
			mount.Name = v.Volume.Name
		}
		pod.Volumes = append(pod.Volumes, v.Volume)
		ctr.VolumeMounts = append(ctr.VolumeMounts, mount)
	}
	pod.Containers = []corev1.Container{ctr}

	return model.NewJobSpec(pod, o.Attributes, o.Callback), nil
}
