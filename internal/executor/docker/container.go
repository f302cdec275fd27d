package docker

import (
	"batch/internal/apperrors"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	corev1 "k8s.io/api/core/v1"
)

// Container labels
const (
	labelManagedBy = "managed-by"
	labelJobID     = "batch.job-id"
	managedBy      = "batch-service"
)

// containerPlan is everything needed to create a job's container.
type containerPlan struct {
	image   string
	config  *container.Config
	host    *container.HostConfig
	volumes []string // named volumes to create before the container
}

func containerName(jobID string) string {
	return "batch-" + jobID
}

func volumeName(jobID, volume string) string {
	return fmt.Sprintf("batch-%s-%s", jobID, volume)
}

func jobLabels(jobID string) map[string]string {
	return map[string]string{
		labelManagedBy: managedBy,
		labelJobID:     jobID,
	}
}

// planContainer translates the first container of a pod spec into Docker
// create options. Only emptyDir and hostPath volumes are supported.
func planContainer(jobID string, spec *corev1.PodSpec, cfg Config) (*containerPlan, error) {
	if spec == nil || len(spec.Containers) == 0 {
		return nil, apperrors.Validation("spec.containers", "spec must have at least one container")
	}
	c := spec.Containers[0]

	env := make([]string, 0, len(c.Env))
	for _, e := range c.Env {
		if e.ValueFrom != nil {
			return nil, apperrors.Validationf("env", "env var %s: valueFrom is not supported by the docker executor", e.Name)
		}
		env = append(env, e.Name+"="+e.Value)
	}

	exposed, bindings, err := portMaps(c.Ports)
	if err != nil {
		return nil, err
	}

	mounts, volumes, err := planMounts(jobID, spec.Volumes, c.VolumeMounts)
	if err != nil {
		return nil, err
	}

	p := &containerPlan{
		image: c.Image,
		config: &container.Config{
			Image:        c.Image,
			Entrypoint:   c.Command,
			Cmd:          c.Args,
			Env:          env,
			WorkingDir:   c.WorkingDir,
			User:         userOf(c.SecurityContext, spec.SecurityContext),
			ExposedPorts: exposed,
			Labels:       jobLabels(jobID),
		},
		host: &container.HostConfig{
			Mounts:       mounts,
			PortBindings: bindings,
			ExtraHosts:   cfg.ExtraHosts,
			Resources:    resourcesOf(c.Resources),
		},
		volumes: volumes,
	}
	if cfg.Network != "" {
		p.host.NetworkMode = container.NetworkMode(cfg.Network)
	}
	return p, nil
}

// portMaps exposes each container port and publishes it on a random host port.
func portMaps(ports []corev1.ContainerPort) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		proto := strings.ToLower(string(p.Protocol))
		if proto == "" {
			proto = "tcp"
		}
		if proto != "tcp" && proto != "udp" && proto != "sctp" {
			return nil, nil, apperrors.Validationf("ports", "unsupported protocol %q", p.Protocol)
		}
		if p.ContainerPort < 1 || p.ContainerPort > 65535 {
			return nil, nil, apperrors.Validationf("ports", "container port %d out of range", p.ContainerPort)
		}
		port, err := nat.NewPort(proto, strconv.Itoa(int(p.ContainerPort)))
		if err != nil {
			return nil, nil, apperrors.Validationf("ports", "invalid port %d/%s: %v", p.ContainerPort, proto, err)
		}
		exposed[port] = struct{}{}
		binding := nat.PortBinding{}
		if p.HostPort != 0 {
			binding.HostPort = strconv.Itoa(int(p.HostPort))
		}
		bindings[port] = []nat.PortBinding{binding}
	}
	return exposed, bindings, nil
}

func planMounts(jobID string, podVolumes []corev1.Volume, volumeMounts []corev1.VolumeMount) ([]mount.Mount, []string, error) {
	byName := make(map[string]corev1.Volume, len(podVolumes))
	for _, v := range podVolumes {
		byName[v.Name] = v
	}

	var (
		mounts  []mount.Mount
		volumes []string
		created = make(map[string]bool)
	)
	for _, vm := range volumeMounts {
		v, ok := byName[vm.Name]
		if !ok {
			return nil, nil, apperrors.Validationf("volumeMounts", "volume %q is not defined", vm.Name)
		}
		switch {
		case v.EmptyDir != nil:
			name := volumeName(jobID, v.Name)
			if !created[name] {
				created[name] = true
				volumes = append(volumes, name)
			}
			mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: name, Target: vm.MountPath, ReadOnly: vm.ReadOnly})
		case v.HostPath != nil:
			mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: v.HostPath.Path, Target: vm.MountPath, ReadOnly: vm.ReadOnly})
		default:
			return nil, nil, apperrors.Validationf("volumes", "volume %q: only emptyDir and hostPath are supported by the docker executor", v.Name)
		}
	}
	return mounts, volumes, nil
}

// resourcesOf maps limits, falling back to requests, onto Docker resources.
func resourcesOf(r corev1.ResourceRequirements) container.Resources {
	var res container.Resources
	cpu := r.Limits.Cpu()
	if cpu.IsZero() {
		cpu = r.Requests.Cpu()
	}
	res.NanoCPUs = cpu.MilliValue() * 1_000_000

	mem := r.Limits.Memory()
	if mem.IsZero() {
		mem = r.Requests.Memory()
	}
	res.Memory = mem.Value()
	return res
}

// userOf returns "uid[:gid]" from the container or pod security context.
func userOf(c *corev1.SecurityContext, pod *corev1.PodSecurityContext) string {
	var uid, gid *int64
	if pod != nil {
		uid, gid = pod.RunAsUser, pod.RunAsGroup
	}
	if c != nil {
		if c.RunAsUser != nil {
			uid = c.RunAsUser
		}
		if c.RunAsGroup != nil {
			gid = c.RunAsGroup
		}
	}
	if uid == nil {
		return ""
	}
	if gid == nil {
		return strconv.FormatInt(*uid, 10)
	}
	return fmt.Sprintf("%d:%d", *uid, *gid)
}
