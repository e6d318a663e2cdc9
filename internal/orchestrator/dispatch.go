package orchestrator

import (
	"context"
	"sync"
)

// Job is one unit handed to the Dispatcher. Key identifies the agent the job
// will land on and is used for the per-agent limit.
type Job struct {
	Index int
	Key   string
	Run   func(ctx context.Context) *Response
}

// JobResult pairs a response with the index of the job that produced it.
type JobResult struct {
	Index    int
	Response *Response
}

// Dispatcher runs jobs in parallel with a bounded total pool and a bounded
// number of concurrent jobs per agent.
type Dispatcher struct {
	pool     chan struct{}
	perAgent int

	mu      sync.Mutex
	slots   map[string]chan struct{}
	running int
}

// NewDispatcher creates a dispatcher. Non-positive limits fall back to 8 and 2.
func NewDispatcher(total, perAgent int) *Dispatcher {
	if total <= 0 {
		total = 8
	}
	if perAgent <= 0 {
		perAgent = 2
	}
	return &Dispatcher{
		pool:     make(chan struct{}, total),
		perAgent: perAgent,
		slots:    make(map[string]chan struct{}),
	}
}

func (d *Dispatcher) agentSlot(key string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[key]
	if !ok {
		s = make(chan struct{}, d.perAgent)
		d.slots[key] = s
	}
	return s
}

// Dispatch executes jobs in parallel, returning results via channel. The
// channel is closed once every job has reported.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []Job) <-chan JobResult {
	results := make(chan JobResult, len(jobs))
	var wg sync.WaitGroup

	for _, j := range jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			slot := d.agentSlot(j.Key)
			slot <- struct{}{} // acquire agent slot
			defer func() { <-slot }()
			d.pool <- struct{}{} // acquire pool slot
			defer func() { <-d.pool }()

			d.mu.Lock()
			d.running++
			d.mu.Unlock()
			defer func() {
				d.mu.Lock()
				d.running--
				d.mu.Unlock()
			}()

			results <- JobResult{Index: j.Index, Response: j.Run(ctx)}
		}(j)
	}

	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

// Running returns the number of jobs currently executing.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}
