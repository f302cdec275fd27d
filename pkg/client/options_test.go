package client

import (
	"errors"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestJobOptionsSpec_Defaults(t *testing.T) {
	t.Parallel()

	spec, err := JobOptions{
		Image: "alpine",
		Env:   map[string]string{"B": "2", "A": "1"},
		Ports: []int32{8080},
	}.Spec()
	if err != nil {
		t.Fatalf("Spec failed: %v", err)
	}

	pod := spec.Pod()
	if pod.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("RestartPolicy = %s", pod.RestartPolicy)
	}
	if len(pod.Containers) != 1 || pod.Containers[0].Name != "main" {
		t.Fatalf("expected a single container named main, got %+v", pod.Containers)
	}
	ctr := pod.Containers[0]
	if ctr.Env[0].Name != "A" || ctr.Env[1].Name != "B" {
		t.Errorf("env should be sorted by name, got %+v", ctr.Env)
	}
	if ctr.Ports[0].ContainerPort != 8080 || ctr.Ports[0].Protocol != corev1.ProtocolTCP {
		t.Errorf("unexpected ports %+v", ctr.Ports)
	}
	cpu := ctr.Resources.Requests[corev1.ResourceCPU]
	if cpu.Cmp(resource.MustParse("100m")) != 0 {
		t.Errorf("cpu request = %s, want 100m", cpu.String())
	}
	mem := ctr.Resources.Requests[corev1.ResourceMemory]
	if mem.Cmp(resource.MustParse("500M")) != 0 {
		t.Errorf("memory request = %s, want 500M", mem.String())
	}
}

func TestJobOptionsSpec_Volumes(t *testing.T) {
	t.Parallel()

	spec, err := JobOptions{
		Image: "alpine",
		Volumes: []Volume{{
			Volume: corev1.Volume{Name: "data", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
			Mount:  corev1.VolumeMount{MountPath: "/data"},
		}},
	}.Spec()
	if err != nil {
		t.Fatalf("Spec failed: %v", err)
	}
	pod := spec.Pod()
	if len(pod.Volumes) != 1 || pod.Containers[0].VolumeMounts[0].Name != "data" {
		t.Errorf("mount should default to the volume name, got %+v", pod.Containers[0].VolumeMounts)
	}
}

func TestJobOptionsSpec_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts JobOptions
	}{
		{"missing image", JobOptions{}},
		{"port zero", JobOptions{Image: "alpine", Ports: []int32{0}}},
		{"port too large", JobOptions{Image: "alpine", Ports: []int32{70000}}},
		{"unnamed volume", JobOptions{Image: "alpine", Volumes: []Volume{{}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.opts.Spec(); !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("expected ErrInvalidOptions, got %v", err)
			}
		})
	}
}
