package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RackerWilliams/otter/pkg/controller"
	"github.com/RackerWilliams/otter/pkg/events"
	"github.com/RackerWilliams/otter/pkg/locks"
	"github.com/RackerWilliams/otter/pkg/metrics"
	"github.com/RackerWilliams/otter/pkg/storage"
	"github.com/RackerWilliams/otter/pkg/types"
	"github.com/RackerWilliams/otter/pkg/worker"
)

// lockResource is the global advisory lock that makes the tick a singleton
// across every running scheduler instance.
const lockResource = "schedule"

const (
	DefaultInterval  = 10 * time.Second
	DefaultBatchSize = 100
)

// Scheduler mines due schedule events and executes their policies. One
// tick: take the schedule lock (zero retries; a busy lock means another
// instance is already on it), then fetch and dispatch batches of due
// events until none remain.
type Scheduler struct {
	store     storage.Store
	locks     *locks.Service
	ctrl      *controller.Controller
	worker    *worker.Worker
	clock     types.Clock
	broker    *events.Broker
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
	stopCh    chan struct{}
}

func New(store storage.Store, lockSvc *locks.Service, ctrl *controller.Controller, wkr *worker.Worker, clock types.Clock, broker *events.Broker, log zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Scheduler{
		store:     store,
		locks:     lockSvc,
		ctrl:      ctrl,
		worker:    wkr,
		clock:     clock,
		broker:    broker,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		log:       log.With().Str("component", "scheduler").Logger(),
		stopCh:    make(chan struct{}),
	}
}

// SetInterval overrides the tick interval. Call before Start.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// SetBatchSize overrides the event fetch batch size. Call before Start.
func (s *Scheduler) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Tick(context.Background()); err != nil {
				s.log.Error().Err(err).Msg("scheduler tick failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Tick runs one scheduling pass under the schedule lock. A busy lock is not
// an error; another instance holds the tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	lock := s.locks.NewLock(lockResource, 0,
		s.log.With().Str("category", "locking").Logger())

	err := locks.WithLock(ctx, lock, func() error {
		if err := s.drain(ctx); err != nil {
			return err
		}
		return s.convergeGroups(ctx)
	})
	if err != nil {
		var busy *types.BusyLockError
		if errors.As(err, &busy) {
			metrics.SchedulerTicksTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
			s.log.Debug().Msg("schedule lock held elsewhere, skipping tick")
			return nil
		}
		metrics.SchedulerTicksTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return err
	}
	metrics.SchedulerTicksTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return nil
}

// drain fetches and processes batches of due events until a batch comes
// back smaller than the batch size. Every fetched event is consumed, so
// the loop always makes progress.
func (s *Scheduler) drain(ctx context.Context) error {
	for {
		batch, err := s.store.FetchBatchOfEvents(s.clock.Now(), s.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		metrics.ScheduleBatchSize.Observe(float64(len(batch)))
		s.log.Info().Int("events", len(batch)).Msg("Processing due schedule events")

		if err := s.processBatch(ctx, batch); err != nil {
			return err
		}
		if len(batch) < s.batchSize {
			return nil
		}
	}
}

// processBatch dispatches the batch concurrently, then consumes every event
// in one write: one-shot events and events whose policy or group vanished
// are deleted, surviving cron events are rescheduled to their next
// occurrence after now. Missed cron ticks are not backfilled.
func (s *Scheduler) processBatch(ctx context.Context, batch []types.ScheduleEvent) error {
	var mu sync.Mutex
	gone := map[string]bool{}

	var wg sync.WaitGroup
	for _, ev := range batch {
		wg.Add(1)
		go func(ev types.ScheduleEvent) {
			defer wg.Done()
			if s.executeEvent(ctx, ev) {
				mu.Lock()
				gone[ev.PolicyID] = true
				mu.Unlock()
			}
		}(ev)
	}
	wg.Wait()

	now := s.clock.Now()
	var deleteIDs []string
	var updates []types.ScheduleEvent
	for _, ev := range batch {
		if ev.Cron == "" || gone[ev.PolicyID] {
			deleteIDs = append(deleteIDs, ev.PolicyID)
			continue
		}
		next, err := storage.NextCronOccurrence(ev.Cron, now)
		if err != nil {
			// An unparsable expression can only come from a corrupt row;
			// drop it rather than refetch it forever.
			s.log.Error().Err(err).Str("policy_id", ev.PolicyID).Msg("dropping event with bad cron")
			deleteIDs = append(deleteIDs, ev.PolicyID)
			continue
		}
		ev.Trigger = next
		updates = append(updates, ev)
	}

	if err := s.store.UpdateDeleteEvents(deleteIDs, updates); err != nil {
		return err
	}
	metrics.ScheduleEventsProcessed.Add(float64(len(batch)))
	return nil
}

// executeEvent runs one policy execution. It reports true when the group or
// policy no longer exists so the caller cleans the event up. Refusals
// (cooldown, paused, at-limit) and lock contention are expected outcomes
// and are swallowed.
func (s *Scheduler) executeEvent(ctx context.Context, ev types.ScheduleEvent) bool {
	log := s.log.With().
		Str("tenant_id", ev.TenantID).
		Str("group_id", ev.GroupID).
		Str("policy_id", ev.PolicyID).
		Logger()

	group := s.store.GetGroup(ev.TenantID, ev.GroupID)
	plan := &controller.Plan{}
	err := group.ModifyState(ctx, s.ctrl.MaybeExecutePolicy(ev.PolicyID, plan))

	switch {
	case err == nil:
		metrics.PolicyExecutionsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
		s.dispatch(ctx, group, plan, log)
		return false

	case isCannotExecute(err):
		metrics.PolicyExecutionsTotal.WithLabelValues(metrics.OutcomeRefused).Inc()
		log.Debug().Err(err).Msg("policy execution refused")
		return false

	case isGone(err):
		log.Info().Err(err).Msg("event target deleted, cleaning up")
		return true

	default:
		metrics.PolicyExecutionsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		log.Error().Err(err).Msg("policy execution failed")
		return false
	}
}

// convergeGroups sweeps the whole fleet and brings any group whose capacity
// drifted outside its configured bounds back inside them: a freshly created
// group converges up to min_entities, a group whose max was lowered
// converges down. Paused groups are left alone.
func (s *Scheduler) convergeGroups(ctx context.Context) error {
	refs, err := s.store.ListAllGroupRefs()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		group := s.store.GetGroup(ref.TenantID, ref.GroupID)
		log := s.log.With().
			Str("tenant_id", ref.TenantID).
			Str("group_id", ref.GroupID).
			Logger()

		state, err := group.ViewState()
		if err != nil {
			if !isGone(err) {
				log.Error().Err(err).Msg("failed to read state for convergence")
			}
			continue
		}
		config, err := group.ViewConfig()
		if err != nil {
			if !isGone(err) {
				log.Error().Err(err).Msg("failed to read config for convergence")
			}
			continue
		}
		desired := state.Desired()
		if state.Paused ||
			(desired >= config.MinEntities && desired <= config.MaxEntities) {
			continue
		}

		plan := &controller.Plan{}
		if err := group.ModifyState(ctx, s.ctrl.Converge(plan)); err != nil {
			if !isGone(err) && !isCannotExecute(err) {
				log.Error().Err(err).Msg("convergence failed")
			}
			continue
		}
		s.dispatchPlan(ctx, group, plan, log)
	}
	return nil
}

// dispatch hands the committed plan of one policy execution to the worker
// and announces the execution.
func (s *Scheduler) dispatch(ctx context.Context, group storage.ScalingGroup, plan *controller.Plan, log zerolog.Logger) {
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventPolicyExecuted,
			TenantID: group.TenantID(),
			GroupID:  group.GroupID(),
			Message:  "scheduled policy executed",
		})
	}
	s.dispatchPlan(ctx, group, plan, log)
}

// dispatchPlan starts the worker on a committed plan. Launches poll servers
// to ACTIVE for up to an hour, so this must not block the tick.
func (s *Scheduler) dispatchPlan(ctx context.Context, group storage.ScalingGroup, plan *controller.Plan, log zerolog.Logger) {
	if s.worker == nil || (len(plan.LaunchJobIDs) == 0 && len(plan.Victims) == 0) {
		return
	}
	launch, err := group.ViewLaunchConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load launch config for dispatch")
		return
	}
	go s.worker.Execute(ctx, group, *launch, plan)
}

func isCannotExecute(err error) bool {
	var cannot *types.CannotExecutePolicyError
	if errors.As(err, &cannot) {
		return true
	}
	var busy *types.BusyLockError
	return errors.As(err, &busy)
}

func isGone(err error) bool {
	var noGroup *types.NoSuchScalingGroupError
	if errors.As(err, &noGroup) {
		return true
	}
	var noPolicy *types.NoSuchPolicyError
	return errors.As(err, &noPolicy)
}
