// Package workerpool supervises the subprocess workers that actually run
// task code, generalizing the teacher's internal/jobs/worker.Worker
// polling loop (internal/jobs/worker/worker.go's Start/runLoop/
// startHeartbeat) from DB-claim-and-execute-in-process into
// spawn-and-talk-to-a-subprocess-over-stdio.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/michiel/ratchet-sub006/internal/balancer"
	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/ipc"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
)

// Config controls pool sizing and the supervision timers, mirroring the
// teacher's WORKER_CONCURRENCY env knob (here: Concurrency) plus the
// heartbeat interval the teacher's startHeartbeat hardcodes at 30s.
type Config struct {
	Concurrency        int
	Command            string
	Args               []string
	PingInterval       time.Duration
	PingTimeout        time.Duration
	RestartOnCrash     bool
	MaxRestartAttempts int

	ShutdownGrace time.Duration // phase 1: ask nicely
	TermGrace     time.Duration // phase 2: SIGTERM
	KillGrace     time.Duration // phase 3: SIGKILL, best effort
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 5
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.TermGrace <= 0 {
		c.TermGrace = 10 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}

// Pool owns a fixed set of worker subprocesses and routes Submit calls to
// one of them via a balancer.Balancer, matching responses back to callers
// by correlation id.
type Pool struct {
	cfg Config
	log *logger.Logger
	bal balancer.Balancer

	mu      sync.RWMutex
	slots   map[string]*slot
	pending sync.Map // correlation uuid.UUID -> chan ipc.CoordinatorMessage

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool. Call Start to spawn the subprocesses.
func New(cfg Config, bal balancer.Balancer, log *logger.Logger) *Pool {
	return &Pool{
		cfg:   cfg.withDefaults(),
		log:   log,
		bal:   bal,
		slots: make(map[string]*slot),
	}
}

// Start spawns Concurrency worker subprocesses and launches the ping
// liveness loop. The ctx passed in governs the pool's lifetime; cancel it
// (or call Shutdown) to stop.
func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.Concurrency; i++ {
		id := fmt.Sprintf("worker-%d", i)
		s := newSlot(id, p.log)

		p.mu.Lock()
		p.slots[id] = s
		p.mu.Unlock()

		p.bal.AddWorker(id, 1)

		if err := s.spawn(runCtx, p.cfg.Command, p.cfg.Args, p.dispatch); err != nil {
			return fmt.Errorf("workerpool: spawn %s: %w", id, err)
		}
		p.wg.Add(1)
		go p.supervise(runCtx, s)
	}

	p.wg.Add(1)
	go p.pingLoop(runCtx)

	return nil
}

// supervise waits for a slot's subprocess to exit and, if the pool hasn't
// been asked to shut down, restarts it up to MaxRestartAttempts times —
// generalizing the teacher's panic-recover-and-continue loop in runLoop
// from an in-process goroutine crash to an out-of-process exit.
func (p *Pool) supervise(ctx context.Context, s *slot) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.exited:
		}

		s.mu.Lock()
		down := s.shuttingDown
		s.mu.Unlock()
		if down || ctx.Err() != nil {
			return
		}
		if !p.cfg.RestartOnCrash {
			p.log.Error("worker exited, restart disabled", "worker_id", s.id)
			p.bal.UpdateHealth(s.id, domain.HealthUnhealthy)
			return
		}

		s.mu.Lock()
		s.restartAttempts++
		attempts := s.restartAttempts
		s.mu.Unlock()

		if attempts > p.cfg.MaxRestartAttempts {
			p.log.Error("worker exceeded max restart attempts", "worker_id", s.id, "attempts", attempts)
			p.bal.UpdateHealth(s.id, domain.HealthUnhealthy)
			return
		}

		backoff := time.Duration(attempts) * time.Second
		p.log.Warn("worker crashed, restarting", "worker_id", s.id, "attempt", attempts, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := s.spawn(ctx, p.cfg.Command, p.cfg.Args, p.dispatch); err != nil {
			p.log.Error("worker restart failed", "worker_id", s.id, "error", err)
			p.bal.UpdateHealth(s.id, domain.HealthUnhealthy)
			return
		}
	}
}

// dispatch routes a decoded CoordinatorMessage to the pending caller
// waiting on its correlation id. A Pong also marks that worker Healthy in
// the balancer; a message with no correlation id (Ready) is dropped.
func (p *Pool) dispatch(workerID string, msg ipc.CoordinatorMessage) {
	if msg.Pong != nil {
		p.bal.UpdateHealth(workerID, domain.HealthHealthy)
	}

	corr := msg.CorrelationID()
	if corr == uuid.Nil {
		return
	}
	if ch, ok := p.pending.LoadAndDelete(corr); ok {
		ch.(chan ipc.CoordinatorMessage) <- msg
	}
}

// Submit sends msg to an eligible worker chosen by the balancer and
// blocks until a correlated response arrives or ctx is cancelled.
func (p *Pool) Submit(ctx context.Context, correlationID uuid.UUID, msg ipc.WorkerMessage) (ipc.CoordinatorMessage, error) {
	workerID, ok := p.bal.SelectWorker()
	if !ok {
		return ipc.CoordinatorMessage{}, fmt.Errorf("workerpool: no eligible worker")
	}

	if m, ok := p.bal.WorkerMetrics(workerID); ok {
		metrics := m.Metrics
		metrics.TasksInFlight++
		p.bal.UpdateMetrics(workerID, metrics)
	}
	defer func() {
		if m, ok := p.bal.WorkerMetrics(workerID); ok {
			metrics := m.Metrics
			if metrics.TasksInFlight > 0 {
				metrics.TasksInFlight--
			}
			metrics.TotalTasks++
			metrics.LastActivityAt = time.Now()
			p.bal.UpdateMetrics(workerID, metrics)
		}
	}()

	return p.sendTo(ctx, workerID, correlationID, msg)
}

// sendTo delivers msg directly to the named slot, bypassing the balancer
// entirely, and blocks until a correlated response arrives or ctx is
// cancelled. Submit uses this after letting the balancer pick a worker;
// pingLoop uses it directly so a ping's response is always attributed to
// the slot it was actually sent to.
func (p *Pool) sendTo(ctx context.Context, workerID string, correlationID uuid.UUID, msg ipc.WorkerMessage) (ipc.CoordinatorMessage, error) {
	p.mu.RLock()
	s := p.slots[workerID]
	p.mu.RUnlock()
	if s == nil {
		return ipc.CoordinatorMessage{}, fmt.Errorf("workerpool: unknown worker %s", workerID)
	}

	ch := make(chan ipc.CoordinatorMessage, 1)
	p.pending.Store(correlationID, ch)
	defer p.pending.Delete(correlationID)

	if err := s.send(msg); err != nil {
		return ipc.CoordinatorMessage{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return ipc.CoordinatorMessage{}, ctx.Err()
	}
}

// pingLoop periodically pings every worker and marks it Degraded after
// one missed pong, Unhealthy after two consecutive misses — generalizing
// the teacher's startHeartbeat DB-write into a liveness signal the
// balancer can act on directly.
func (p *Pool) pingLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	misses := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			ids := make([]string, 0, len(p.slots))
			for id := range p.slots {
				ids = append(ids, id)
			}
			p.mu.RUnlock()

			for _, id := range ids {
				corrID := uuid.New()
				pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
				_, err := p.sendTo(pingCtx, id, corrID, ipc.NewPing(ipc.Ping{CorrelationID: corrID}))
				cancel()

				if err != nil {
					misses[id]++
					switch {
					case misses[id] >= 2:
						p.bal.UpdateHealth(id, domain.HealthUnhealthy)
					default:
						p.bal.UpdateHealth(id, domain.HealthDegraded)
					}
					continue
				}
				misses[id] = 0
				p.bal.UpdateHealth(id, domain.HealthHealthy)
			}
		}
	}
}

// Shutdown drains the pool in three phases: ask every worker to exit
// cleanly (ShutdownGrace), escalate to SIGTERM (TermGrace), then SIGKILL
// whatever remains (KillGrace). Each phase only touches slots still
// running after the previous one.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.RLock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.RUnlock()

	for _, s := range slots {
		s.mu.Lock()
		s.shuttingDown = true
		s.mu.Unlock()
	}

	remaining := slots
	remaining = p.waitPhase(remaining, func(s *slot) {
		_ = s.send(ipc.NewShutdown(ipc.Shutdown{GracePeriod: p.cfg.ShutdownGrace}))
	}, p.cfg.ShutdownGrace)

	remaining = p.waitPhase(remaining, func(s *slot) {
		s.signal(syscall.SIGTERM)
	}, p.cfg.TermGrace)

	remaining = p.waitPhase(remaining, func(s *slot) {
		s.kill()
	}, p.cfg.KillGrace)

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	if len(remaining) > 0 {
		return fmt.Errorf("workerpool: %d worker(s) did not exit", len(remaining))
	}
	return nil
}

// waitPhase applies action to every slot in slots, then waits up to
// timeout for each to exit, returning only the ones still running.
func (p *Pool) waitPhase(slots []*slot, action func(*slot), timeout time.Duration) []*slot {
	if len(slots) == 0 {
		return nil
	}
	for _, s := range slots {
		action(s)
	}

	deadline := time.Now().Add(timeout)
	var still []*slot
	for _, s := range slots {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !s.waitExit(remaining) {
			still = append(still, s)
		}
	}
	return still
}

// WorkerMetrics returns a snapshot of every worker slot for status
// reporting (e.g. a "worker list" CLI command).
func (p *Pool) WorkerMetrics() []domain.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.Worker, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, s.snapshot())
	}
	return out
}
