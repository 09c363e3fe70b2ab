package launcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/foundryco/taskforge/internal/heartbeat"
)

// DockerClient abstracts the container methods the Docker backend needs.
// internal/docker.Client satisfies this directly.
type DockerClient interface {
	CheckDaemon(ctx context.Context) error
	RunContainer(ctx context.Context, imageRef string, workspace string, extraBinds []string, env []string, user string) (string, error)
	StopContainer(ctx context.Context, containerID string) error
	Exec(ctx context.Context, containerID string, cmd []string) (string, error)
	ImageExists(ctx context.Context, tag string) (bool, error)
	PullImage(ctx context.Context, imageRef string) error
}

// DockerLauncher spawns each worker in its own container, binding the
// worker's worktree path into /workspace, per spec.md §4.4.a's container
// backend.
type DockerLauncher struct {
	*guardedHandles

	Client     DockerClient
	Image      string
	Heartbeats *heartbeat.Monitor
	StallAfter time.Duration

	cmu          sync.Mutex
	containerIDs map[int]string
}

func NewDockerLauncher(client DockerClient, image string, heartbeats *heartbeat.Monitor, stallAfter time.Duration) *DockerLauncher {
	return &DockerLauncher{
		guardedHandles: newGuardedHandles(),
		Client:         client,
		Image:          image,
		Heartbeats:     heartbeats,
		StallAfter:     stallAfter,
		containerIDs:   make(map[int]string),
	}
}

func (l *DockerLauncher) Spawn(ctx context.Context, req SpawnRequest) SpawnResult {
	if !validWorkerID(req.WorkerID) {
		return SpawnResult{Success: false, Error: fmt.Sprintf("invalid worker id %d", req.WorkerID)}
	}

	containerID, err := l.Client.RunContainer(ctx, l.Image, req.WorktreePath, nil, req.Env, "")
	if err != nil {
		return SpawnResult{Success: false, Error: err.Error()}
	}

	workerCmd := []string{
		"taskforge-worker",
		"--worker-id", fmt.Sprint(req.WorkerID),
		"--feature", req.Feature,
		"--worktree", "/workspace",
		"--branch", req.Branch,
	}

	go func() {
		_, execErr := l.Client.Exec(context.Background(), containerID, workerCmd)
		h, ok := l.get(req.WorkerID)
		if !ok {
			return
		}
		if execErr != nil {
			h.Status = StatusCrashed
		} else {
			h.Status = StatusStopped
		}
		l.set(h)
	}()

	handle := &Handle{
		WorkerID:    req.WorkerID,
		ContainerID: containerID,
		Status:      StatusInitializing,
		StartedAt:   time.Now(),
	}
	l.cmu.Lock()
	l.containerIDs[req.WorkerID] = containerID
	l.cmu.Unlock()
	l.set(handle)

	return SpawnResult{Success: true, Handle: handle}
}

func (l *DockerLauncher) Monitor(ctx context.Context, workerID int) WorkerStatus {
	h, ok := l.get(workerID)
	if !ok {
		return StatusStopped
	}
	h.HealthCheckAt = time.Now()
	if h.Status.IsAlive() && l.Heartbeats != nil && l.Heartbeats.IsStale(workerID, l.StallAfter) {
		h.Status = StatusStalled
	}
	l.set(h)
	return h.Status
}

func (l *DockerLauncher) Terminate(ctx context.Context, workerID int, force bool) bool {
	l.cmu.Lock()
	containerID, ok := l.containerIDs[workerID]
	l.cmu.Unlock()
	if ok {
		_ = l.Client.StopContainer(ctx, containerID)
	}
	l.cmu.Lock()
	delete(l.containerIDs, workerID)
	l.cmu.Unlock()
	l.delete(workerID)
	return true
}

func (l *DockerLauncher) GetOutput(ctx context.Context, workerID int, tail int) string {
	l.cmu.Lock()
	containerID, ok := l.containerIDs[workerID]
	l.cmu.Unlock()
	if !ok {
		return ""
	}
	out, err := l.Client.Exec(ctx, containerID, []string{"tail", "-n", fmt.Sprint(tail), "/workspace/.taskforge/worker.log"})
	if err != nil {
		return ""
	}
	return strings.TrimRight(out, "\n")
}

func (l *DockerLauncher) GetHandle(workerID int) (*Handle, bool) { return l.get(workerID) }
func (l *DockerLauncher) GetAllWorkers() []*Handle               { return l.all() }

func (l *DockerLauncher) TerminateAll(ctx context.Context, force bool) bool {
	ok := true
	for _, h := range l.all() {
		if !l.Terminate(ctx, h.WorkerID, force) {
			ok = false
		}
	}
	return ok
}

func (l *DockerLauncher) SyncState(ctx context.Context) map[int]WorkerStatus {
	out := make(map[int]WorkerStatus)
	for _, h := range l.all() {
		out[h.WorkerID] = l.Monitor(ctx, h.WorkerID)
	}
	return out
}

func (l *DockerLauncher) SpawnWithRetry(ctx context.Context, req SpawnRequest, policy RetryPolicy) SpawnResult {
	return spawnWithRetryCore(ctx, func(c context.Context) SpawnResult {
		return l.Spawn(c, req)
	}, defaultSleep, policy)
}
