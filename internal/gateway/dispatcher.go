package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"llmrouter/internal/domain"
	"llmrouter/internal/telemetry"
)

// Dispatcher errors surface as 503 at the ingress.
var (
	ErrQueueFull    = domain.NewError(domain.ErrRateLimited, "request queue full")
	ErrQueueTimeout = domain.NewError(domain.ErrTimeout, "request timed out waiting in queue")
	ErrShuttingDown = domain.NewError(domain.ErrInternal, "router is shutting down")
)

// Router is the processing surface the dispatcher drives.
type Router interface {
	Route(ctx context.Context, req *domain.Request) (*domain.RouteResult, error)
}

// dispatchJob carries one queued request and its reply channel.
type dispatchJob struct {
	ctx        context.Context
	req        *domain.Request
	resultCh   chan dispatchResult
	enqueuedAt time.Time
}

type dispatchResult struct {
	res *domain.RouteResult
	err error
}

// DispatcherConfig sizes the adaptive worker pool and its queues.
type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout time.Duration

	MaxQueuedRequests int
	QueueTimeout      time.Duration

	ScaleUpThreshold   float64 // queue utilization that adds workers
	ScaleDownThreshold float64
	ScaleUpStep        int
	ScaleInterval      time.Duration

	// Queue share per lane; the low lane takes the remainder.
	HighLanePercent   int
	NormalLanePercent int
}

// DefaultDispatcherConfig returns workable defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MinWorkers:         5,
		MaxWorkers:         100,
		IdleTimeout:        30 * time.Second,
		MaxQueuedRequests:  1000,
		QueueTimeout:       60 * time.Second,
		ScaleUpThreshold:   0.7,
		ScaleDownThreshold: 0.2,
		ScaleUpStep:        10,
		ScaleInterval:      5 * time.Second,
		HighLanePercent:    30,
		NormalLanePercent:  50,
	}
}

// DispatcherStats is a point-in-time view of the dispatcher.
type DispatcherStats struct {
	Received    int64 `json:"received"`
	Processed   int64 `json:"processed"`
	Rejected    int64 `json:"rejected"`
	TimedOut    int64 `json:"timedOut"`
	HighDepth   int   `json:"highDepth"`
	NormalDepth int   `json:"normalDepth"`
	LowDepth    int   `json:"lowDepth"`
	Workers     int32 `json:"workers"`
	ScaledUp    int64 `json:"scaledUp"`
	ScaledDown  int64 `json:"scaledDown"`
	AvgWaitMs   int64 `json:"avgWaitMs"`
}

// Dispatcher queues requests into three priority lanes keyed by the
// caller's priority hint and serves them with an adaptive worker pool.
type Dispatcher struct {
	mu      sync.Mutex
	running bool

	config  DispatcherConfig
	router  Router
	metrics *telemetry.Metrics

	highLane   chan *dispatchJob
	normalLane chan *dispatchJob
	lowLane    chan *dispatchJob

	activeWorkers atomic.Int32
	workerWg      sync.WaitGroup
	workAvailable chan struct{}
	shutdownCh    chan struct{}
	scalerStop    chan struct{}

	received   atomic.Int64
	processed  atomic.Int64
	rejected   atomic.Int64
	timedOut   atomic.Int64
	scaledUp   atomic.Int64
	scaledDown atomic.Int64
	waitTotal  atomic.Int64
	waitCount  atomic.Int64
}

// NewDispatcher builds a stopped dispatcher over router.
func NewDispatcher(cfg DispatcherConfig, router Router, metrics *telemetry.Metrics) *Dispatcher {
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	highSize := cfg.MaxQueuedRequests * cfg.HighLanePercent / 100
	normalSize := cfg.MaxQueuedRequests * cfg.NormalLanePercent / 100
	lowSize := cfg.MaxQueuedRequests - highSize - normalSize
	if highSize < 1 {
		highSize = 1
	}
	if normalSize < 1 {
		normalSize = 1
	}
	if lowSize < 1 {
		lowSize = 1
	}

	return &Dispatcher{
		config:        cfg,
		router:        router,
		metrics:       metrics,
		highLane:      make(chan *dispatchJob, highSize),
		normalLane:    make(chan *dispatchJob, normalSize),
		lowLane:       make(chan *dispatchJob, lowSize),
		workAvailable: make(chan struct{}, 1),
		shutdownCh:    make(chan struct{}),
		scalerStop:    make(chan struct{}),
	}
}

// Start launches the minimum worker set and the auto-scaler.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true

	for i := 0; i < d.config.MinWorkers; i++ {
		d.spawnWorker()
	}
	go d.autoScaler()

	slog.Info("dispatcher started",
		"min_workers", d.config.MinWorkers,
		"max_workers", d.config.MaxWorkers,
		"max_queued", d.config.MaxQueuedRequests)
}

// Stop drains the pool. In-flight requests finish; queued requests see
// ErrShuttingDown.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.scalerStop)
	close(d.shutdownCh)
	d.workerWg.Wait()
	slog.Info("dispatcher stopped")
}

// Submit queues one request and blocks until it is served, the context
// ends, or the queue timeout fires. A full lane rejects immediately.
func (d *Dispatcher) Submit(ctx context.Context, req *domain.Request) (*domain.RouteResult, error) {
	d.received.Add(1)

	job := &dispatchJob{
		ctx:        ctx,
		req:        req,
		resultCh:   make(chan dispatchResult, 1),
		enqueuedAt: time.Now(),
	}

	lane, laneName := d.lane(req.Priority)
	select {
	case lane <- job:
		d.metrics.QueueDepth.WithLabelValues(laneName).Set(float64(len(lane)))
		select {
		case d.workAvailable <- struct{}{}:
		default:
		}
	case <-ctx.Done():
		d.timedOut.Add(1)
		return nil, ctx.Err()
	default:
		d.rejected.Add(1)
		slog.Warn("request rejected, queue full",
			"lane", laneName,
			"workers", d.activeWorkers.Load())
		return nil, ErrQueueFull
	}

	select {
	case r := <-job.resultCh:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.shutdownCh:
		return nil, ErrShuttingDown
	case <-time.After(d.config.QueueTimeout):
		d.timedOut.Add(1)
		return nil, ErrQueueTimeout
	}
}

// Route satisfies the same contract as the pipeline so the ingress can
// sit in front of either.
func (d *Dispatcher) Route(ctx context.Context, req *domain.Request) (*domain.RouteResult, error) {
	return d.Submit(ctx, req)
}

// lane maps the ingress priority hint (1..4) to a queue.
func (d *Dispatcher) lane(priority int) (chan *dispatchJob, string) {
	p, _ := domain.PriorityFromInt(priority)
	switch p {
	case domain.PriorityCritical, domain.PriorityHigh:
		return d.highLane, "high"
	case domain.PriorityLow:
		return d.lowLane, "low"
	default:
		return d.normalLane, "normal"
	}
}

func (d *Dispatcher) spawnWorker() {
	d.workerWg.Add(1)
	d.activeWorkers.Add(1)
	d.metrics.ActiveWorkers.Set(float64(d.activeWorkers.Load()))
	go d.worker()
}

// worker drains lanes in priority order and exits after sitting idle
// when the pool is above its minimum.
func (d *Dispatcher) worker() {
	defer func() {
		d.metrics.ActiveWorkers.Set(float64(d.activeWorkers.Add(-1)))
		d.workerWg.Done()
	}()

	idleTimer := time.NewTimer(d.config.IdleTimeout)
	defer idleTimer.Stop()

	for {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(d.config.IdleTimeout)

		select {
		case <-d.shutdownCh:
			return
		case job := <-d.highLane:
			d.process(job, "high")
		default:
			select {
			case <-d.shutdownCh:
				return
			case job := <-d.highLane:
				d.process(job, "high")
			case job := <-d.normalLane:
				d.process(job, "normal")
			default:
				select {
				case <-d.shutdownCh:
					return
				case job := <-d.highLane:
					d.process(job, "high")
				case job := <-d.normalLane:
					d.process(job, "normal")
				case job := <-d.lowLane:
					d.process(job, "low")
				case <-idleTimer.C:
					if int(d.activeWorkers.Load()) > d.config.MinWorkers {
						d.scaledDown.Add(1)
						return
					}
				case <-d.workAvailable:
				}
			}
		}
	}
}

func (d *Dispatcher) process(job *dispatchJob, laneName string) {
	wait := time.Since(job.enqueuedAt)
	d.waitTotal.Add(wait.Milliseconds())
	d.waitCount.Add(1)
	d.updateLaneGauge(laneName)

	if job.ctx.Err() != nil {
		job.resultCh <- dispatchResult{err: job.ctx.Err()}
		return
	}

	res, err := d.router.Route(job.ctx, job.req)
	d.processed.Add(1)

	select {
	case job.resultCh <- dispatchResult{res: res, err: err}:
	default:
	}
}

func (d *Dispatcher) updateLaneGauge(laneName string) {
	var depth int
	switch laneName {
	case "high":
		depth = len(d.highLane)
	case "normal":
		depth = len(d.normalLane)
	default:
		depth = len(d.lowLane)
	}
	d.metrics.QueueDepth.WithLabelValues(laneName).Set(float64(depth))
}

// autoScaler adds workers when queue utilization crosses the scale-up
// threshold; scale-down happens through worker idle timeouts.
func (d *Dispatcher) autoScaler() {
	ticker := time.NewTicker(d.config.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.scalerStop:
			return
		case <-ticker.C:
			d.checkAndScale()
		}
	}
}

func (d *Dispatcher) checkAndScale() {
	queued := len(d.highLane) + len(d.normalLane) + len(d.lowLane)
	utilization := float64(queued) / float64(d.config.MaxQueuedRequests)
	current := int(d.activeWorkers.Load())

	if utilization > d.config.ScaleUpThreshold && current < d.config.MaxWorkers {
		toAdd := d.config.ScaleUpStep
		if current+toAdd > d.config.MaxWorkers {
			toAdd = d.config.MaxWorkers - current
		}
		slog.Info("scaling up workers", "current", current, "adding", toAdd, "utilization", utilization)
		for i := 0; i < toAdd; i++ {
			d.spawnWorker()
		}
		d.scaledUp.Add(int64(toAdd))
	}
}

// Healthy reports whether the dispatcher is running with queue
// headroom.
func (d *Dispatcher) Healthy() bool {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return false
	}
	return len(d.highLane) < cap(d.highLane) ||
		len(d.normalLane) < cap(d.normalLane) ||
		len(d.lowLane) < cap(d.lowLane)
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	s := DispatcherStats{
		Received:    d.received.Load(),
		Processed:   d.processed.Load(),
		Rejected:    d.rejected.Load(),
		TimedOut:    d.timedOut.Load(),
		HighDepth:   len(d.highLane),
		NormalDepth: len(d.normalLane),
		LowDepth:    len(d.lowLane),
		Workers:     d.activeWorkers.Load(),
		ScaledUp:    d.scaledUp.Load(),
		ScaledDown:  d.scaledDown.Load(),
	}
	if n := d.waitCount.Load(); n > 0 {
		s.AvgWaitMs = d.waitTotal.Load() / n
	}
	return s
}
