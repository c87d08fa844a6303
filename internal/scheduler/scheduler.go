// Package scheduler fires Jobs on a cron cadence, generalizing the cron
// enrichment from the rest of the retrieval pack (the teacher itself has
// no cron library — its scheduling is a Temporal workflow poll loop) onto
// domain.Schedule rows.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/datatypes"

	"github.com/michiel/ratchet-sub006/internal/data/repos/schedule"
	"github.com/michiel/ratchet-sub006/internal/domain"
	"github.com/michiel/ratchet-sub006/internal/pkg/dbctx"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
	"github.com/michiel/ratchet-sub006/internal/pkg/pointers"
	"github.com/michiel/ratchet-sub006/internal/queue"
	"github.com/michiel/ratchet-sub006/internal/template"
)

// ErrInvalidCron is returned by AddSchedule at add-time on a parse
// failure, never discovered later at fire-time.
var ErrInvalidCron = errors.New("scheduler: invalid cron expression")

// Config controls catch-up behavior. CatchUpMissedFires defaults to false:
// a schedule paused across a restart simply resumes from "now", it does
// not replay every fire it missed.
type Config struct {
	CatchUpMissedFires bool
}

// Status reports one schedule's live cron registration.
type Status struct {
	ScheduleID uuid.UUID
	NextRun    time.Time
	LastRun    *time.Time
	Enabled    bool
}

// Scheduler interface is what cmd/ratchet and the app wiring root depend
// on; the concrete type underneath owns a *cron.Cron plus the repository
// and queue it reads from and enqueues into.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
	AddSchedule(ctx context.Context, s *domain.Schedule) error
	RemoveSchedule(id uuid.UUID) error
	UpdateSchedule(ctx context.Context, s *domain.Schedule) error
	ScheduleStatus(id uuid.UUID) (Status, bool)
	IsRunning() bool
	ScheduleCount() int
}

type entry struct {
	mu       sync.Mutex // serializes this schedule's own fire-then-persist sequence
	schedule *domain.Schedule
	cronID   cron.EntryID
	cronSpec cron.Schedule
}

type scheduler struct {
	cfg      Config
	log      *logger.Logger
	repo     schedule.Repo
	q        queue.Queue
	engine   *template.Engine
	cronRun  *cron.Cron
	cronSecs *cron.Cron

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	running bool
}

func New(cfg Config, repo schedule.Repo, q queue.Queue, baseLog *logger.Logger) Scheduler {
	return &scheduler{
		cfg:      cfg,
		log:      baseLog.With("component", "scheduler"),
		repo:     repo,
		q:        q,
		engine:   template.NewEngine(),
		cronRun:  cron.New(),
		cronSecs: cron.New(cron.WithSeconds()),
		entries:  make(map[uuid.UUID]*entry),
	}
}

// Start loads every enabled schedule and registers one cron entry per
// schedule, then starts both the 5-field and 6-field cron runners.
func (s *scheduler) Start(ctx context.Context) error {
	schedules, err := s.repo.ListEnabled(dbctx.Context{Ctx: ctx})
	if err != nil {
		return fmt.Errorf("scheduler: list enabled: %w", err)
	}

	for _, sched := range schedules {
		if err := s.register(sched); err != nil {
			s.log.Error("skipping schedule with invalid cron expression", "schedule_id", sched.ID, "error", err)
			continue
		}
	}

	s.cronRun.Start()
	s.cronSecs.Start()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.log.Info("scheduler started", "schedule_count", len(s.entries))
	return nil
}

func (s *scheduler) Stop() error {
	runCtx := s.cronRun.Stop()
	secsCtx := s.cronSecs.Stop()
	<-runCtx.Done()
	<-secsCtx.Done()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// register parses sched.CronExpr (5- or 6-field) and schedules a Job func
// on the seconds-aware *cron.Cron for 6-field expressions or the standard
// one for 5-field.
func (s *scheduler) register(sched *domain.Schedule) error {
	runner := s.cronRun
	if sched.HasSeconds() {
		runner = s.cronSecs
	}

	spec, err := parserFor(runner).Parse(sched.CronExpr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCron, sched.CronExpr, err)
	}

	e := &entry{schedule: sched, cronSpec: spec}
	id := runner.Schedule(spec, cron.FuncJob(func() { s.fire(e) }))
	e.cronID = id

	next := spec.Next(time.Now())
	sched.NextRun = pointers.Ptr(next)

	s.mu.Lock()
	s.entries[sched.ID] = e
	s.mu.Unlock()

	if s.cfg.CatchUpMissedFires && sched.LastRun != nil {
		if missed := spec.Next(*sched.LastRun); missed.Before(time.Now()) {
			s.log.Info("catching up one missed fire", "schedule_id", sched.ID, "missed_at", missed)
			s.fire(e)
		}
	}
	return nil
}

func parserFor(c *cron.Cron) cron.ScheduleParser {
	// cron.Cron doesn't expose its parser directly, so one standalone
	// parser with an optional seconds field (defaulting to 0) validates and
	// parses both 5-field and 6-field expressions for either runner.
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// fire renders the schedule's InputTemplate, enqueues a Job, and records
// LastRun/NextRun — serialized per schedule via entry.mu so the next fire
// is only computed after the previous fire's enqueue commits, the same
// per-key locking idiom runtime.Registry uses for its handler map.
func (s *scheduler) fire(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered panic firing schedule", "schedule_id", e.schedule.ID, "panic", r)
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	vars := map[string]any{
		"now":           now.UTC().Format(time.RFC3339),
		"schedule_id":   e.schedule.ID.String(),
		"schedule_name": e.schedule.Name,
	}

	input, err := s.renderInput(e.schedule, vars)
	if err != nil {
		s.log.Error("failed to render schedule input template", "schedule_id", e.schedule.ID, "error", err)
		return
	}

	ctx := context.Background()
	if _, err := s.q.Enqueue(dbctx.Context{Ctx: ctx}, e.schedule.TaskID, input, domain.PriorityNormal, 0, nil); err != nil {
		s.log.Error("failed to enqueue scheduled job", "schedule_id", e.schedule.ID, "error", err)
		return
	}

	next := e.cronSpec.Next(now)
	if err := s.repo.RecordFire(dbctx.Context{Ctx: ctx}, e.schedule.ID, now, next); err != nil {
		s.log.Error("failed to record schedule fire", "schedule_id", e.schedule.ID, "error", err)
		return
	}
	e.schedule.LastRun = pointers.Ptr(now)
	e.schedule.NextRun = pointers.Ptr(next)
}

// renderInput walks InputTemplate's decoded JSON tree and renders every
// string leaf through the template engine against {now, schedule_id,
// schedule_name}, so a schedule can write e.g. "triggered_at":
// "{{now}}" directly into its stored template document.
func (s *scheduler) renderInput(sched *domain.Schedule, vars map[string]any) (datatypes.JSON, error) {
	if len(sched.InputTemplate) == 0 {
		return datatypes.JSON("{}"), nil
	}

	var decoded any
	if err := json.Unmarshal(sched.InputTemplate, &decoded); err != nil {
		return nil, fmt.Errorf("scheduler: decode input template: %w", err)
	}

	rendered, err := s.renderValue(decoded, vars)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("scheduler: encode rendered input: %w", err)
	}
	return datatypes.JSON(out), nil
}

func (s *scheduler) renderValue(v any, vars map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return s.engine.Render(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			rendered, err := s.renderValue(child, vars)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			rendered, err := s.renderValue(child, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func (s *scheduler) AddSchedule(ctx context.Context, sched *domain.Schedule) error {
	runner := s.cronRun
	if sched.HasSeconds() {
		runner = s.cronSecs
	}
	if _, err := parserFor(runner).Parse(sched.CronExpr); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCron, sched.CronExpr, err)
	}

	created, err := s.repo.Create(dbctx.Context{Ctx: ctx}, sched)
	if err != nil {
		return err
	}
	if !created.Enabled {
		return nil
	}
	return s.register(created)
}

func (s *scheduler) RemoveSchedule(id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if e.schedule.HasSeconds() {
		s.cronSecs.Remove(e.cronID)
	} else {
		s.cronRun.Remove(e.cronID)
	}
	return nil
}

func (s *scheduler) UpdateSchedule(ctx context.Context, sched *domain.Schedule) error {
	if err := s.RemoveSchedule(sched.ID); err != nil {
		return err
	}
	if !sched.Enabled {
		return nil
	}
	return s.register(sched)
}

func (s *scheduler) ScheduleStatus(id uuid.UUID) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Status{}, false
	}
	var next time.Time
	if e.schedule.NextRun != nil {
		next = *e.schedule.NextRun
	}
	return Status{ScheduleID: id, NextRun: next, LastRun: e.schedule.LastRun, Enabled: e.schedule.Enabled}, true
}

func (s *scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *scheduler) ScheduleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
