// Package scheduler runs functions in background mode on the schedules
// declared in their manifests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/functions"
	"github.com/watzon/fngate/internal/metrics"
	"github.com/watzon/fngate/internal/value"
)

// ErrUnknownSchedule is returned when a schedule id is not registered.
var ErrUnknownSchedule = errors.New("unknown schedule")

// Invoker runs a function outside of an HTTP request.
type Invoker interface {
	Call(ctx context.Context, def *definition.Definition, args *value.Object) (value.Value, *apierror.Error)
}

// Config holds configuration for Scheduler.
type Config struct {
	// Timeout bounds each scheduled run (default: 5 minutes).
	Timeout time.Duration
}

// Scheduler manages scheduled function executions.
type Scheduler struct {
	invoker Invoker
	parser  *CronParser
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
}

type entry struct {
	id       cron.EntryID
	def      *definition.Definition
	running  atomic.Bool
	mu       sync.Mutex
	schedule Schedule
}

// NewScheduler creates a new scheduler.
func NewScheduler(invoker Invoker, config *Config) *Scheduler {
	if config == nil {
		config = &Config{}
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{}

	return &Scheduler{
		invoker: invoker,
		parser:  NewCronParser(),
		cron:    cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger))),
		timeout: config.Timeout,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins background processing.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("schedules", s.Len()).Msg("Scheduler started")
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	log.Info().Msg("Scheduler stopped")
}

// Sync replaces the registered schedules with those of a route table.
// Schedules that fail to parse are skipped and reported together.
func (s *Scheduler) Sync(table *functions.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		s.cron.Remove(e.id)
		delete(s.entries, id)
	}

	var errs []error
	for _, sc := range table.Schedules() {
		if err := s.add(sc); err != nil {
			errs = append(errs, err)
		}
	}

	log.Debug().Int("schedules", len(s.entries)).Msg("Schedules synced")
	return errors.Join(errs...)
}

func (s *Scheduler) add(sc functions.Scheduled) error {
	def := sc.Definition
	schedule := Schedule{
		ID:         def.Name + ":" + sc.Schedule.Name,
		Name:       sc.Schedule.Name,
		Function:   def.Name,
		Route:      def.Route,
		Type:       ScheduleType(sc.Schedule.Type),
		Expression: sc.Schedule.Expression,
		Timezone:   sc.Schedule.Timezone,
	}

	if len(sc.Schedule.Params) > 0 {
		v, err := value.FromAny(sc.Schedule.Params)
		if err != nil {
			return fmt.Errorf("schedule %s: params: %w", schedule.ID, err)
		}
		schedule.Params, _ = v.AsObject()
	}

	cs, err := s.parser.build(&schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", schedule.ID, err)
	}

	e := &entry{def: def, schedule: schedule}
	e.id = s.cron.Schedule(cs, cron.FuncJob(func() { s.run(e) }))
	s.entries[schedule.ID] = e
	return nil
}

// Trigger runs a schedule immediately and waits for it to finish.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, id)
	}
	return s.execute(ctx, e)
}

func (s *Scheduler) run(e *entry) {
	if err := s.execute(s.ctx, e); err != nil {
		log.Error().
			Err(err).
			Str("schedule_id", e.schedule.ID).
			Str("function", e.def.Name).
			Msg("Scheduled run failed")
	}
}

// execute invokes the function unless a previous run is still active.
func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	if !e.running.CompareAndSwap(false, true) {
		log.Debug().
			Str("schedule_id", e.schedule.ID).
			Msg("Skipping schedule, previous run still active")
		e.record(StatusSkipped, nil)
		return nil
	}
	defer e.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var args *value.Object
	if e.schedule.Params != nil {
		args = e.schedule.Params.Clone()
	}

	start := time.Now()
	_, apiErr := s.invoker.Call(ctx, e.def, args)

	var err error
	if apiErr != nil {
		err = apiErr
	}
	metrics.RecordScheduleRun(e.def.Name, err)

	if err != nil {
		e.record(StatusFailed, err)
		return err
	}
	e.record(StatusSuccess, nil)

	log.Debug().
		Str("schedule_id", e.schedule.ID).
		Str("function", e.def.Name).
		Dur("duration", time.Since(start)).
		Msg("Scheduled run completed")
	return nil
}

func (e *entry) record(status string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	e.schedule.LastRun = &now
	e.schedule.LastStatus = status
	e.schedule.LastError = ""
	if err != nil {
		e.schedule.LastError = err.Error()
	}
}

// List returns a snapshot of every registered schedule ordered by id.
func (s *Scheduler) List() []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		sc := e.schedule
		e.mu.Unlock()

		sc.Running = e.running.Load()
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			sc.NextRun = &next
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered schedules.
func (s *Scheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Trace().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
