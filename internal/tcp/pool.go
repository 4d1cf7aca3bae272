package tcp

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// poolRequest pairs a raw JSON request with the channel its response must
// come back on. The response channel has capacity 1 so a worker never blocks
// delivering.
type poolRequest struct {
	payload  []byte
	response chan poolResult
}

type poolResult struct {
	body string
	err  error
}

// workerPool multiplexes requests onto up to `workers` worker goroutines,
// each owning at most one live subprocess. Subprocesses are started on
// demand and torn down after idleTimeout without work, so an idle server
// consumes no extra CPU or memory.
type workerPool struct {
	requests    chan poolRequest
	launcher    launcher
	workers     int
	idleTimeout time.Duration

	live   atomic.Int64 // live subprocess count, for tests and health
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorkerPool(l launcher, workers int, idleTimeout time.Duration) *workerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &workerPool{
		requests:    make(chan poolRequest),
		launcher:    l,
		workers:     workers,
		idleTimeout: idleTimeout,
	}
}

func (p *workerPool) start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for id := 0; id < p.workers; id++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runWorker(ctx, id)
		}(id)
	}
}

// submit hands a request to the next available worker and blocks for the
// response. Within one submission the response always arrives on the same
// channel; ordering across distinct submissions is unspecified.
func (p *workerPool) submit(ctx context.Context, payload []byte) (string, error) {
	req := poolRequest{payload: payload, response: make(chan poolResult, 1)}
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-req.response:
		return res.body, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// shutdown cancels all workers (each tears down its subprocess) and releases
// the rendezvous socket.
func (p *workerPool) shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.launcher.close()
}

// liveSubprocesses reports how many worker subprocesses are currently
// running.
func (p *workerPool) liveSubprocesses() int {
	return int(p.live.Load())
}

func (p *workerPool) runWorker(ctx context.Context, id int) {
	var sub *subprocessLink
	teardown := func() {
		if sub != nil {
			sub.close()
			sub = nil
			p.live.Add(-1)
		}
	}
	defer teardown()

	for {
		var req poolRequest
		if sub == nil {
			select {
			case req = <-p.requests:
			case <-ctx.Done():
				return
			}
			link, err := p.launcher.launch(ctx)
			if err != nil {
				req.response <- poolResult{err: err}
				continue
			}
			sub = link
			p.live.Add(1)
			slog.Debug("Worker acquired subprocess", "worker", id)
		} else {
			idle := time.NewTimer(p.idleTimeout)
			select {
			case req = <-p.requests:
				idle.Stop()
			case <-idle.C:
				slog.Debug("Worker idle timeout, tearing down subprocess", "worker", id)
				teardown()
				continue
			case <-ctx.Done():
				idle.Stop()
				return
			}
		}

		body, err := sub.send(req.payload)
		if err != nil {
			// A broken IPC link means a dead or wedged subprocess; drop it
			// so the next request respawns.
			teardown()
		}
		req.response <- poolResult{body: body, err: err}
	}
}
