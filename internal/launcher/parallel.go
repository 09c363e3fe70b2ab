package launcher

import (
	"context"
	"sync"
)

// ParallelLauncher drives many concurrent spawns against a single Backend,
// grounded on the teacher's goroutine/channel worker pool: a fixed pool of
// goroutines drains a task channel, and Close() waits for queued tasks to
// drain. spawn_with_retry is still the shared spawnWithRetryCore so a
// worker spawned through the pool retries identically to one spawned
// directly through the sync Launcher.
type ParallelLauncher struct {
	Backend
	Concurrency int

	tasks  chan func()
	wg     sync.WaitGroup
	taskWG sync.WaitGroup
	once   sync.Once
}

// NewParallelLauncher wraps backend with a pool of concurrency worker
// goroutines (minimum 1).
func NewParallelLauncher(backend Backend, concurrency int) *ParallelLauncher {
	if concurrency < 1 {
		concurrency = 1
	}
	bufferSize := concurrency * 10
	if bufferSize < 32 {
		bufferSize = 32
	}
	return &ParallelLauncher{
		Backend:     backend,
		Concurrency: concurrency,
		tasks:       make(chan func(), bufferSize),
	}
}

func (p *ParallelLauncher) start() {
	p.once.Do(func() {
		for i := 0; i < p.Concurrency; i++ {
			p.wg.Add(1)
			go p.drain()
		}
	})
}

func (p *ParallelLauncher) drain() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
		p.taskWG.Done()
	}
}

// SpawnWithRetry queues a retrying spawn on the pool and blocks until its
// result arrives or ctx is done. Callers that want the
// synchronous behavior of the embedded Backend can still call Spawn
// directly; SpawnWithRetry here always goes through the pool so many
// workers can be launched concurrently without blocking each other's
// backoff sleeps.
func (p *ParallelLauncher) SpawnWithRetry(ctx context.Context, req SpawnRequest, policy RetryPolicy) SpawnResult {
	p.start()
	resultCh := make(chan SpawnResult, 1)
	p.taskWG.Add(1)
	p.tasks <- func() {
		resultCh <- spawnWithRetryCore(ctx, func(c context.Context) SpawnResult {
			return p.Backend.Spawn(c, req)
		}, defaultSleep, policy)
	}
	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		return SpawnResult{Success: false, Error: ctx.Err().Error()}
	}
}

// SpawnManyWithRetry launches every request concurrently (bounded by
// Concurrency) and returns once all have settled, in request order.
func (p *ParallelLauncher) SpawnManyWithRetry(ctx context.Context, reqs []SpawnRequest, policy RetryPolicy) []SpawnResult {
	results := make([]SpawnResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req SpawnRequest) {
			defer wg.Done()
			results[i] = p.SpawnWithRetry(ctx, req, policy)
		}(i, req)
	}
	wg.Wait()
	return results
}

// Close stops accepting new tasks and waits for in-flight ones to drain.
func (p *ParallelLauncher) Close() {
	p.start()
	close(p.tasks)
	p.wg.Wait()
}
