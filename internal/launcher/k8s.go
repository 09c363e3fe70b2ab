package launcher

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/foundryco/taskforge/internal/heartbeat"
)

// K8sLauncher runs each worker as a Kubernetes Job, one pod per worker,
// per spec.md §4.4.a's container backend.
type K8sLauncher struct {
	*guardedHandles

	Client     kubernetes.Interface
	Namespace  string
	Image      string
	PullPolicy corev1.PullPolicy
	Heartbeats *heartbeat.Monitor
	StallAfter time.Duration
}

func NewK8sLauncher(client kubernetes.Interface, namespace, image string, pullPolicy corev1.PullPolicy, heartbeats *heartbeat.Monitor, stallAfter time.Duration) *K8sLauncher {
	if namespace == "" {
		namespace = "default"
	}
	return &K8sLauncher{
		guardedHandles: newGuardedHandles(),
		Client:         client,
		Namespace:      namespace,
		Image:          image,
		PullPolicy:     pullPolicy,
		Heartbeats:     heartbeats,
		StallAfter:     stallAfter,
	}
}

var k8sNameSanitizer = regexp.MustCompile("[^a-z0-9]+")

func sanitizeK8sName(name string) string {
	name = strings.ToLower(name)
	name = k8sNameSanitizer.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}

func (l *K8sLauncher) jobName(feature string, workerID int) string {
	return fmt.Sprintf("taskforge-worker-%s-%d", sanitizeK8sName(feature), workerID)
}

func (l *K8sLauncher) Spawn(ctx context.Context, req SpawnRequest) SpawnResult {
	if !validWorkerID(req.WorkerID) {
		return SpawnResult{Success: false, Error: fmt.Sprintf("invalid worker id %d", req.WorkerID)}
	}

	name := l.jobName(req.Feature, req.WorkerID)

	if existing, err := l.Client.BatchV1().Jobs(l.Namespace).Get(ctx, name, metav1.GetOptions{}); err == nil {
		if existing.Status.Failed > 0 {
			delPolicy := metav1.DeletePropagationBackground
			_ = l.Client.BatchV1().Jobs(l.Namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &delPolicy})
			return SpawnResult{Success: false, Error: fmt.Sprintf("job %s failed previously, deleted for retry", name)}
		}
		return SpawnResult{Success: false, Error: fmt.Sprintf("job %s already exists", name)}
	}

	var envVars []corev1.EnvVar
	for _, kv := range req.Env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envVars = append(envVars, corev1.EnvVar{Name: parts[0], Value: parts[1]})
	}

	backoff := int32(0)
	ttl := int32(3600)
	cmd := fmt.Sprintf("taskforge-worker --worker-id %d --feature %q --worktree /workspace --branch %q",
		req.WorkerID, req.Feature, req.Branch)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: map[string]string{
			"app": "taskforge-worker", "feature": sanitizeK8sName(req.Feature),
		}},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			BackoffLimit:            &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{
					"app": "taskforge-worker", "feature": sanitizeK8sName(req.Feature),
				}},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:            "worker",
							Image:           l.Image,
							ImagePullPolicy: l.PullPolicy,
							Command:         []string{"/bin/sh", "-c"},
							Args:            []string{cmd},
							Env:             envVars,
							WorkingDir:      "/workspace",
							VolumeMounts: []corev1.VolumeMount{
								{Name: "workspace", MountPath: "/workspace"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{Name: "workspace", VolumeSource: corev1.VolumeSource{
							HostPath: &corev1.HostPathVolumeSource{Path: req.WorktreePath},
						}},
					},
				},
			},
		},
	}

	if _, err := l.Client.BatchV1().Jobs(l.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return SpawnResult{Success: false, Error: err.Error()}
	}

	handle := &Handle{
		WorkerID:    req.WorkerID,
		ContainerID: name,
		Status:      StatusInitializing,
		StartedAt:   time.Now(),
	}
	l.set(handle)
	return SpawnResult{Success: true, Handle: handle}
}

func (l *K8sLauncher) Monitor(ctx context.Context, workerID int) WorkerStatus {
	h, ok := l.get(workerID)
	if !ok {
		return StatusStopped
	}
	h.HealthCheckAt = time.Now()

	job, err := l.Client.BatchV1().Jobs(l.Namespace).Get(ctx, h.ContainerID, metav1.GetOptions{})
	if err == nil {
		switch {
		case job.Status.Succeeded > 0:
			h.Status = StatusStopped
		case job.Status.Failed > 0:
			h.Status = StatusCrashed
		case job.Status.Active > 0:
			if h.Status == StatusInitializing {
				h.Status = StatusRunning
			}
		}
	}

	if h.Status.IsAlive() && l.Heartbeats != nil && l.Heartbeats.IsStale(workerID, l.StallAfter) {
		h.Status = StatusStalled
	}
	l.set(h)
	return h.Status
}

func (l *K8sLauncher) Terminate(ctx context.Context, workerID int, force bool) bool {
	h, ok := l.get(workerID)
	if ok {
		delPolicy := metav1.DeletePropagationBackground
		_ = l.Client.BatchV1().Jobs(l.Namespace).Delete(ctx, h.ContainerID, metav1.DeleteOptions{PropagationPolicy: &delPolicy})
	}
	l.delete(workerID)
	return true
}

func (l *K8sLauncher) GetOutput(ctx context.Context, workerID int, tail int) string {
	// Pod log retrieval needs a pod name, not the job name; callers that
	// need worker stdout/stderr under Kubernetes should read it from the
	// worker's own log file inside its state directory instead.
	return ""
}

func (l *K8sLauncher) GetHandle(workerID int) (*Handle, bool) { return l.get(workerID) }
func (l *K8sLauncher) GetAllWorkers() []*Handle               { return l.all() }

func (l *K8sLauncher) TerminateAll(ctx context.Context, force bool) bool {
	ok := true
	for _, h := range l.all() {
		if !l.Terminate(ctx, h.WorkerID, force) {
			ok = false
		}
	}
	return ok
}

func (l *K8sLauncher) SyncState(ctx context.Context) map[int]WorkerStatus {
	out := make(map[int]WorkerStatus)
	for _, h := range l.all() {
		out[h.WorkerID] = l.Monitor(ctx, h.WorkerID)
	}
	return out
}

func (l *K8sLauncher) SpawnWithRetry(ctx context.Context, req SpawnRequest, policy RetryPolicy) SpawnResult {
	return spawnWithRetryCore(ctx, func(c context.Context) SpawnResult {
		return l.Spawn(c, req)
	}, defaultSleep, policy)
}
