package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/RackerWilliams/otter/pkg/cloud"
	"github.com/RackerWilliams/otter/pkg/controller"
	"github.com/RackerWilliams/otter/pkg/events"
	"github.com/RackerWilliams/otter/pkg/metrics"
	"github.com/RackerWilliams/otter/pkg/storage"
	"github.com/RackerWilliams/otter/pkg/types"
)

// Server metadata stamped on everything the worker creates, so orphaned
// cloud resources can be traced back to their group.
const (
	metadataGroupID    = "rax:auto_scaling_group_id"
	metadataServerName = "rax:auto_scaling_server_name"
)

// Compute server statuses the poll loop reacts to.
const (
	statusActive = "ACTIVE"
	statusBuild  = "BUILD"
)

// Defaults for Config fields left zero.
const (
	DefaultComputeService = "cloudServersOpenStack"
	DefaultLBService      = "cloudLoadBalancers"
	DefaultPollInterval   = 5 * time.Second
	DefaultActiveTimeout  = time.Hour
	DefaultDeleteTimeout  = time.Hour
)

// Config carries the region, catalog service names and poll tuning for one
// worker.
type Config struct {
	Region         string
	ComputeService string
	LBService      string
	PollInterval   time.Duration
	ActiveTimeout  time.Duration
	DeleteTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ComputeService == "" {
		c.ComputeService = DefaultComputeService
	}
	if c.LBService == "" {
		c.LBService = DefaultLBService
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ActiveTimeout <= 0 {
		c.ActiveTimeout = DefaultActiveTimeout
	}
	if c.DeleteTimeout <= 0 {
		c.DeleteTimeout = DefaultDeleteTimeout
	}
	return c
}

// Worker runs the launch and delete pipelines. It owns no state; every
// durable transition goes through the group's ModifyState.
type Worker struct {
	client  *cloud.Client
	catalog cloud.ServiceCatalog
	cfg     Config
	clock   types.Clock
	broker  *events.Broker
	log     zerolog.Logger
}

func New(client *cloud.Client, catalog cloud.ServiceCatalog, cfg Config, clock types.Clock, broker *events.Broker, log zerolog.Logger) *Worker {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Worker{
		client:  client,
		catalog: catalog,
		cfg:     cfg.withDefaults(),
		clock:   clock,
		broker:  broker,
		log:     log.With().Str("component", "worker").Logger(),
	}
}

func (w *Worker) publish(event *events.Event) {
	if w.broker != nil {
		w.broker.Publish(event)
	}
}

// Execute dispatches the plan produced by one committed state change:
// launches and deletions run concurrently, each re-entering ModifyState on
// completion. Errors are logged, not returned; a failed job has already
// been removed from pending by its own pipeline.
func (w *Worker) Execute(ctx context.Context, group storage.ScalingGroup, launch types.LaunchConfig, plan *controller.Plan) {
	var wg sync.WaitGroup
	for _, jobID := range plan.LaunchJobIDs {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			if err := w.LaunchServer(ctx, group, jobID, launch); err != nil {
				w.log.Error().Err(err).
					Str("group_id", group.GroupID()).
					Str("job_id", jobID).
					Msg("launch failed")
			}
		}(jobID)
	}
	for _, victim := range plan.Victims {
		wg.Add(1)
		go func(v controller.Victim) {
			defer wg.Done()
			if err := w.DeleteServer(ctx, group, v.ServerID, v.Server.Memberships); err != nil {
				w.log.Error().Err(err).
					Str("group_id", group.GroupID()).
					Str("server_id", v.ServerID).
					Msg("delete failed")
			}
		}(victim)
	}
	wg.Wait()
}

// PrepareLaunchConfig returns a copy of launch with the group id stamped
// into server and load-balancer metadata and the server name suffixed with
// a fresh token so every launch is unique.
func (w *Worker) PrepareLaunchConfig(groupID string, launch types.LaunchConfig) types.LaunchConfig {
	prepared := launch
	prepared.Server.Metadata = copyMetadata(launch.Server.Metadata)
	prepared.Server.Metadata[metadataGroupID] = groupID

	token := uuid.New().String()
	if prepared.Server.Name != "" {
		prepared.Server.Name = fmt.Sprintf("%s-%s", prepared.Server.Name, token)
	} else {
		prepared.Server.Name = token
	}

	prepared.LoadBalancers = make([]types.LoadBalancerConfig, len(launch.LoadBalancers))
	for i, lb := range launch.LoadBalancers {
		lb.Metadata = copyMetadata(lb.Metadata)
		lb.Metadata[metadataGroupID] = groupID
		lb.Metadata[metadataServerName] = prepared.Server.Name
		prepared.LoadBalancers[i] = lb
	}
	return prepared
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LaunchServer runs the launch pipeline for one pending job: create the
// server, wait for ACTIVE, attach it to the configured load balancers, then
// move the job from pending to active. Any failure after creation rewinds
// the undo stack and abandons the job.
func (w *Worker) LaunchServer(ctx context.Context, group storage.ScalingGroup, jobID string, launch types.LaunchConfig) error {
	log := w.log.With().
		Str("tenant_id", group.TenantID()).
		Str("group_id", group.GroupID()).
		Str("job_id", jobID).
		Logger()

	prepared := w.PrepareLaunchConfig(group.GroupID(), launch)
	log = log.With().Str("server_name", prepared.Server.Name).Logger()

	computeEndpoint, err := w.catalog.PublicEndpointURL(w.cfg.ComputeService, w.cfg.Region)
	if err != nil {
		return w.abandon(ctx, group, jobID, log, err)
	}

	created, err := w.client.CreateServer(ctx, computeEndpoint, prepared.Server)
	if err != nil {
		return w.abandon(ctx, group, jobID, log, fmt.Errorf("failed to create server: %w", err))
	}
	log = log.With().Str("server_id", created.ID).Logger()
	log.Info().Msg("Server creation accepted, waiting for ACTIVE")

	// From here on the server exists at the provider. Any failure before
	// the state write rewinds the stack: node attaches come off first,
	// then the server itself is deleted, so nothing is left orphaned.
	undo := &UndoStack{}
	undo.Push(func(ctx context.Context) error {
		w.verifiedDelete(ctx, log, computeEndpoint, created.ID)
		return nil
	})

	start := time.Now()
	server, err := w.waitForActive(ctx, computeEndpoint, created.ID)
	if err != nil {
		undo.Rewind(ctx, log)
		return w.abandon(ctx, group, jobID, log, err)
	}
	metrics.ServerActiveWaitSeconds.Observe(time.Since(start).Seconds())

	memberships, err := w.attachToLoadBalancers(ctx, log, prepared.LoadBalancers, server, undo)
	if err != nil {
		undo.Rewind(ctx, log)
		return w.abandon(ctx, group, jobID, log, err)
	}

	// Servers without a private address record an empty IP; attach has
	// already failed the job in the cases where the address matters.
	ip, _ := server.PrivateIPv4()

	now := w.clock.Now()
	err = group.ModifyState(ctx, func(_ storage.ScalingGroup, state *types.GroupState) (*types.GroupState, error) {
		delete(state.Pending, jobID)
		state.Active[server.ID] = types.ActiveServer{
			CreatedAt:   now,
			IPAddress:   ip,
			Memberships: memberships,
		}
		return state, nil
	})
	if err != nil {
		return fmt.Errorf("failed to record launched server: %w", err)
	}

	metrics.ServerLaunchesTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	w.publish(&events.Event{
		Type:     events.EventServerLaunched,
		TenantID: group.TenantID(),
		GroupID:  group.GroupID(),
		Message:  "server " + server.ID + " active",
		Metadata: map[string]string{"server_id": server.ID, "job_id": jobID},
	})
	log.Info().Msg("Server launched")
	return nil
}

// abandon removes the failed job from pending and reports the failure.
func (w *Worker) abandon(ctx context.Context, group storage.ScalingGroup, jobID string, log zerolog.Logger, cause error) error {
	metrics.ServerLaunchesTotal.WithLabelValues(metrics.OutcomeError).Inc()
	log.Error().Err(cause).Msg("Abandoning launch job")

	err := group.ModifyState(ctx, func(_ storage.ScalingGroup, state *types.GroupState) (*types.GroupState, error) {
		delete(state.Pending, jobID)
		return state, nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to remove abandoned job from pending")
	}
	w.publish(&events.Event{
		Type:     events.EventServerLaunchFailed,
		TenantID: group.TenantID(),
		GroupID:  group.GroupID(),
		Message:  cause.Error(),
		Metadata: map[string]string{"job_id": jobID},
	})
	return cause
}

// waitForActive polls the server until it reports ACTIVE. BUILD keeps
// polling, transient request errors keep polling, any other status is
// terminal.
func (w *Worker) waitForActive(ctx context.Context, endpoint, serverID string) (*cloud.ServerDetail, error) {
	var server *cloud.ServerDetail
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return retry.Unrecoverable(err)
		}
		detail, err := w.client.GetServer(ctx, endpoint, serverID)
		if err != nil {
			return err
		}
		switch detail.Status {
		case statusActive:
			server = detail
			return nil
		case statusBuild:
			return fmt.Errorf("server %s still building", serverID)
		default:
			return retry.Unrecoverable(&types.UnexpectedServerStatusError{
				ServerID: serverID,
				Status:   detail.Status,
				Expected: statusActive,
			})
		}
	}

	err := retry.Do(
		attempt,
		retry.Attempts(w.pollAttempts(w.cfg.ActiveTimeout)),
		retry.Delay(w.cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return server, nil
}

func (w *Worker) pollAttempts(timeout time.Duration) uint {
	attempts := uint(timeout / w.cfg.PollInterval)
	if attempts == 0 {
		attempts = 1
	}
	return attempts
}

// attachToLoadBalancers adds the server to each configured load balancer in
// order. Each successful attachment pushes its removal onto the caller's
// undo stack; on failure the caller rewinds, so no node outlives the failed
// launch and the server it was attached for is deleted with it.
func (w *Worker) attachToLoadBalancers(ctx context.Context, log zerolog.Logger, lbs []types.LoadBalancerConfig, server *cloud.ServerDetail, undo *UndoStack) ([]types.LBMembership, error) {
	if len(lbs) == 0 {
		return nil, nil
	}

	ip, err := server.PrivateIPv4()
	if err != nil {
		return nil, err
	}
	endpoint, err := w.catalog.PublicEndpointURL(w.cfg.LBService, w.cfg.Region)
	if err != nil {
		return nil, err
	}

	memberships := make([]types.LBMembership, 0, len(lbs))
	for _, lb := range lbs {
		nodeID, err := w.client.AddNode(ctx, endpoint, lb.LoadBalancerID, ip, lb.Port)
		if err != nil {
			log.Error().Err(err).
				Int("load_balancer_id", lb.LoadBalancerID).
				Msg("load balancer attach failed")
			return nil, fmt.Errorf("failed to attach to load balancer %d: %w", lb.LoadBalancerID, err)
		}
		lbID, nID := lb.LoadBalancerID, nodeID
		undo.Push(func(ctx context.Context) error {
			return w.client.RemoveNode(ctx, endpoint, lbID, nID)
		})
		memberships = append(memberships, types.LBMembership{LoadBalancerID: lbID, NodeID: nID})
		log.Info().
			Int("load_balancer_id", lbID).
			Int("node_id", nID).
			Msg("Attached to load balancer")
	}
	return memberships, nil
}

// DeleteServer runs the delete pipeline: detach every load-balancer node,
// then delete the server and poll until the compute API agrees it is gone,
// then drop it from the group state. Detach 404s are tolerated; the node is
// already gone.
func (w *Worker) DeleteServer(ctx context.Context, group storage.ScalingGroup, serverID string, memberships []types.LBMembership) error {
	log := w.log.With().
		Str("tenant_id", group.TenantID()).
		Str("group_id", group.GroupID()).
		Str("server_id", serverID).
		Logger()

	if len(memberships) > 0 {
		if err := w.removeFromLoadBalancers(ctx, memberships); err != nil {
			metrics.ServerDeletesTotal.WithLabelValues(metrics.OutcomeError).Inc()
			return err
		}
	}

	computeEndpoint, err := w.catalog.PublicEndpointURL(w.cfg.ComputeService, w.cfg.Region)
	if err != nil {
		metrics.ServerDeletesTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return err
	}
	w.verifiedDelete(ctx, log, computeEndpoint, serverID)

	err = group.ModifyState(ctx, func(_ storage.ScalingGroup, state *types.GroupState) (*types.GroupState, error) {
		delete(state.Active, serverID)
		return state, nil
	})
	if err != nil {
		metrics.ServerDeletesTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return fmt.Errorf("failed to record deleted server: %w", err)
	}

	metrics.ServerDeletesTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	w.publish(&events.Event{
		Type:     events.EventServerDeleted,
		TenantID: group.TenantID(),
		GroupID:  group.GroupID(),
		Message:  "server " + serverID + " deleted",
		Metadata: map[string]string{"server_id": serverID},
	})
	log.Info().Msg("Server deleted")
	return nil
}

// removeFromLoadBalancers detaches all memberships in parallel. A 404 means
// the node is already gone and counts as success; the first real failure
// aborts the delete so the server is retried with its nodes intact.
func (w *Worker) removeFromLoadBalancers(ctx context.Context, memberships []types.LBMembership) error {
	endpoint, err := w.catalog.PublicEndpointURL(w.cfg.LBService, w.cfg.Region)
	if err != nil {
		return err
	}

	errCh := make(chan error, len(memberships))
	var wg sync.WaitGroup
	for _, m := range memberships {
		wg.Add(1)
		go func(m types.LBMembership) {
			defer wg.Done()
			err := w.client.RemoveNode(ctx, endpoint, m.LoadBalancerID, m.NodeID)
			if err != nil && !cloud.IsNotFound(err) {
				errCh <- fmt.Errorf("failed to remove node %d from load balancer %d: %w",
					m.NodeID, m.LoadBalancerID, err)
			}
		}(m)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// verifiedDelete issues the delete and polls until the server 404s. The
// compute API sometimes fails to delete; a poll timeout is logged and the
// server treated as logically gone rather than blocking the group forever.
func (w *Worker) verifiedDelete(ctx context.Context, log zerolog.Logger, endpoint, serverID string) {
	if err := w.client.DeleteServer(ctx, endpoint, serverID); err != nil && !cloud.IsNotFound(err) {
		log.Error().Err(err).Msg("delete request failed, still verifying")
	}

	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}
			_, err := w.client.GetServer(ctx, endpoint, serverID)
			if cloud.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			return errors.New("server " + serverID + " still present")
		},
		retry.Attempts(w.pollAttempts(w.cfg.DeleteTimeout)),
		retry.Delay(w.cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Error().Err(err).Msg("could not verify server deletion, treating as gone")
	}
}
