package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/RackerWilliams/otter/pkg/events"
	"github.com/RackerWilliams/otter/pkg/locks"
	"github.com/RackerWilliams/otter/pkg/types"
)

var (
	// Bucket names mirror the logical tables of the persisted layout.
	bucketGroups      = []byte("scaling_group")
	bucketPolicies    = []byte("scaling_policies")
	bucketWebhooks    = []byte("policy_webhooks")
	bucketWebhookKeys = []byte("webhook_keys")
	bucketSchedule    = []byte("scaling_schedule")
)

// DefaultPageLimit bounds list operations when the caller passes no limit.
const DefaultPageLimit = 100

// BoltStore implements Store on a bbolt database. Each bucket value is one
// wide-column row; multi-row writes share a single update transaction, which
// is the batched-write guarantee the data model requires.
type BoltStore struct {
	db     *bolt.DB
	locks  *locks.Service
	clock  types.Clock
	broker *events.Broker
	log    zerolog.Logger
}

// New creates the data buckets and returns a store. The lock service shares
// the database so locks live next to the rows they guard.
func New(db *bolt.DB, lockSvc *locks.Service, clock types.Clock, logger zerolog.Logger) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketGroups,
			bucketPolicies,
			bucketWebhooks,
			bucketWebhookKeys,
			bucketSchedule,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &BoltStore{db: db, locks: lockSvc, clock: clock, log: logger}, nil
}

// SetBroker attaches an event broker for group lifecycle events. A nil
// broker disables publishing.
func (s *BoltStore) SetBroker(broker *events.Broker) {
	s.broker = broker
}

func (s *BoltStore) publish(eventType events.EventType, tenantID, groupID, message string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:     eventType,
		TenantID: tenantID,
		GroupID:  groupID,
		Message:  message,
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// NextCronOccurrence parses a standard 5-field cron expression and returns
// its next occurrence strictly after from, in UTC.
func NextCronOccurrence(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from.UTC()), nil
}

// CreateGroup writes the group row together with its initial policies and
// any schedule events in one batch.
func (s *BoltStore) CreateGroup(tenantID string, config types.GroupConfig, launch types.LaunchConfig, policies []types.Policy) (*types.Manifest, error) {
	if err := ValidateGroupConfig(config); err != nil {
		return nil, err
	}
	for _, p := range policies {
		if err := ValidatePolicy(p); err != nil {
			return nil, err
		}
	}

	groupID := generateKey()
	now := s.clock.Now()
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("group_id", groupID).
		Msg("Creating scaling group")

	configCol, err := serializeJSONData(config)
	if err != nil {
		return nil, err
	}
	launchCol, err := serializeJSONData(launch)
	if err != nil {
		return nil, err
	}

	var created []types.Policy
	err = s.db.Update(func(tx *bolt.Tx) error {
		groupRow := row{
			colGroupConfig:   configCol,
			colLaunchConfig:  launchCol,
			colActive:        `{"_ver":1}`,
			colPending:       `{"_ver":1}`,
			colPolicyTouched: `{"_ver":1}`,
			colPaused:        "false",
			colCreatedAt:     formatTime(now),
		}
		data, err := groupRow.encode()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketGroups).Put(groupKey(tenantID, groupID), data); err != nil {
			return err
		}

		created, err = insertPoliciesTx(tx, tenantID, groupID, policies, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	s.publish(events.EventGroupCreated, tenantID, groupID,
		fmt.Sprintf("scaling group %s created", config.Name))

	state := types.NewGroupState(tenantID, groupID, config.Name)
	state.GroupTouched = time.Time{}
	return &types.Manifest{
		ID:           groupID,
		GroupConfig:  config,
		LaunchConfig: launch,
		Policies:     created,
		State:        state,
	}, nil
}

// insertPoliciesTx writes policy rows and, for schedule policies, their
// event rows, all inside the caller's transaction.
func insertPoliciesTx(tx *bolt.Tx, tenantID, groupID string, policies []types.Policy, now time.Time) ([]types.Policy, error) {
	out := make([]types.Policy, 0, len(policies))
	for _, p := range policies {
		p.ID = generateKey()
		dataCol, err := serializeJSONData(p)
		if err != nil {
			return nil, err
		}
		policyRow := row{colData: dataCol}
		encoded, err := policyRow.encode()
		if err != nil {
			return nil, err
		}
		if err := tx.Bucket(bucketPolicies).Put(policyKey(tenantID, groupID, p.ID), encoded); err != nil {
			return nil, err
		}

		if p.Type == types.PolicySchedule {
			if err := insertEventTx(tx, tenantID, groupID, p, now); err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// insertEventTx writes the schedule row for one schedule policy.
func insertEventTx(tx *bolt.Tx, tenantID, groupID string, p types.Policy, now time.Time) error {
	var trigger time.Time
	var cronExpr string
	switch {
	case p.Args == nil:
		return &types.ValidationError{Message: "schedule policy has no args"}
	case p.Args.At != nil:
		trigger = p.Args.At.UTC()
	default:
		next, err := NextCronOccurrence(p.Args.Cron, now)
		if err != nil {
			return err
		}
		trigger = next
		cronExpr = p.Args.Cron
	}

	eventRow := row{
		colTenantID: tenantID,
		colGroupID:  groupID,
		colPolicyID: p.ID,
		colCron:     cronExpr,
	}
	data, err := eventRow.encode()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSchedule).Put(eventKey(trigger, p.ID), data)
}

// deleteEventsForPoliciesTx removes every schedule row belonging to any of
// the given policy ids.
func deleteEventsForPoliciesTx(tx *bolt.Tx, policyIDs map[string]bool) error {
	if len(policyIDs) == 0 {
		return nil
	}
	b := tx.Bucket(bucketSchedule)
	c := b.Cursor()
	var doomed [][]byte
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if policyIDs[lastKeyPart(k)] {
			doomed = append(doomed, append([]byte(nil), k...))
		}
	}
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ListGroupStates pages through a tenant's groups in ascending group id
// order. Resurrected rows encountered along the way are purged and skipped
// rather than returned.
func (s *BoltStore) ListGroupStates(tenantID string, limit int, marker string) ([]*types.GroupState, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	var states []*types.GroupState
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		c := b.Cursor()
		prefix := []byte(tenantID + keySep)
		start := prefix
		if marker != "" {
			// Marker is the last group id seen; resume strictly after it.
			start = append(groupKey(tenantID, marker), 0)
		}

		var resurrected [][]byte
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if len(states) == limit {
				break
			}
			r, err := decodeRow(v)
			if err != nil {
				return err
			}
			groupID := lastKeyPart(k)
			if r[colCreatedAt] == "" {
				resurrected = append(resurrected, append([]byte(nil), k...))
				continue
			}
			state, err := unmarshalState(r, tenantID, groupID)
			if err != nil {
				return err
			}
			states = append(states, state)
		}

		if len(resurrected) > 0 {
			s.log.Warn().
				Str("tenant_id", tenantID).
				Int("rows", len(resurrected)).
				Msg("purging resurrected group rows")
			for _, k := range resurrected {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list group states: %w", err)
	}
	return states, nil
}

// ListAllGroupRefs returns the (tenant, group) id of every group row, in
// key order. Resurrected rows are included; whoever visits them next purges
// them through the verified read path.
func (s *BoltStore) ListAllGroupRefs() ([]GroupRef, error) {
	var refs []GroupRef
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGroups).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			parts := strings.SplitN(string(k), keySep, 2)
			if len(parts) != 2 {
				return fmt.Errorf("malformed group key %q", k)
			}
			refs = append(refs, GroupRef{TenantID: parts[0], GroupID: parts[1]})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list group refs: %w", err)
	}
	return refs, nil
}

// GetGroup returns the per-group facade. No existence check happens here;
// the facade's view operations raise NoSuchScalingGroupError lazily.
func (s *BoltStore) GetGroup(tenantID, groupID string) ScalingGroup {
	return &boltGroup{
		store:    s,
		tenantID: tenantID,
		groupID:  groupID,
		log: s.log.With().
			Str("tenant_id", tenantID).
			Str("group_id", groupID).
			Logger(),
	}
}

// WebhookInfoByHash resolves a capability hash through the webhook key
// index.
func (s *BoltStore) WebhookInfoByHash(hash string) (string, string, string, error) {
	var tenantID, groupID, policyID string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWebhookKeys).Get([]byte(hash))
		if data == nil {
			return &types.UnrecognizedCapabilityError{Hash: hash, Version: "1"}
		}
		var info struct {
			TenantID string `json:"tenantId"`
			GroupID  string `json:"groupId"`
			PolicyID string `json:"policyId"`
		}
		if err := json.Unmarshal(data, &info); err != nil {
			return fmt.Errorf("failed to decode webhook key row: %w", err)
		}
		tenantID, groupID, policyID = info.TenantID, info.GroupID, info.PolicyID
		return nil
	})
	if err != nil {
		return "", "", "", err
	}
	return tenantID, groupID, policyID, nil
}

// GetCounts returns the number of groups, policies and webhooks a tenant
// owns.
func (s *BoltStore) GetCounts(tenantID string) (*types.Counts, error) {
	counts := &types.Counts{}
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(tenantID + keySep)
		counts.Groups = countPrefix(tx.Bucket(bucketGroups), prefix)
		counts.Policies = countPrefix(tx.Bucket(bucketPolicies), prefix)
		counts.Webhooks = countPrefix(tx.Bucket(bucketWebhooks), prefix)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func countPrefix(b *bolt.Bucket, prefix []byte) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		n++
	}
	return n
}

// FetchBatchOfEvents returns up to size events due at or before now, oldest
// first. Key order is trigger order, so a prefix scan is already sorted.
func (s *BoltStore) FetchBatchOfEvents(now time.Time, size int) ([]types.ScheduleEvent, error) {
	if size <= 0 {
		size = DefaultPageLimit
	}
	cutoff := now.UTC().UnixNano()
	var events []types.ScheduleEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSchedule).Cursor()
		for k, v := c.First(); k != nil && len(events) < size; k, v = c.Next() {
			trigger, err := parseEventKeyTrigger(k)
			if err != nil {
				return err
			}
			if trigger.UnixNano() > cutoff {
				break
			}
			r, err := decodeRow(v)
			if err != nil {
				return err
			}
			events = append(events, types.ScheduleEvent{
				TenantID: r[colTenantID],
				GroupID:  r[colGroupID],
				PolicyID: r[colPolicyID],
				Trigger:  trigger,
				Cron:     r[colCron],
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return events, nil
}

func parseEventKeyTrigger(key []byte) (time.Time, error) {
	s := string(key)
	i := bytes.IndexByte(key, keySep[0])
	if i < 0 {
		return time.Time{}, fmt.Errorf("malformed event key %q", s)
	}
	nanos, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed event key %q: %w", s, err)
	}
	return time.Unix(0, nanos).UTC(), nil
}

// UpdateDeleteEvents deletes the rows of all named policies plus the
// policies being updated, then inserts the fresh trigger rows, all in one
// batch. Delete-then-insert is required because trigger is part of the key.
func (s *BoltStore) UpdateDeleteEvents(deletePolicyIDs []string, update []types.ScheduleEvent) error {
	doomed := map[string]bool{}
	for _, id := range deletePolicyIDs {
		doomed[id] = true
	}
	for _, ev := range update {
		doomed[ev.PolicyID] = true
	}
	if len(doomed) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := deleteEventsForPoliciesTx(tx, doomed); err != nil {
			return err
		}
		b := tx.Bucket(bucketSchedule)
		for _, ev := range update {
			eventRow := row{
				colTenantID: ev.TenantID,
				colGroupID:  ev.GroupID,
				colPolicyID: ev.PolicyID,
				colCron:     ev.Cron,
			}
			data, err := eventRow.encode()
			if err != nil {
				return err
			}
			if err := b.Put(eventKey(ev.Trigger, ev.PolicyID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// unmarshalState rebuilds a GroupState from the group row's state columns.
func unmarshalState(r row, tenantID, groupID string) (*types.GroupState, error) {
	var config types.GroupConfig
	if err := jsonLoadsData(r[colGroupConfig], &config); err != nil {
		return nil, fmt.Errorf("failed to decode group_config: %w", err)
	}
	state := types.NewGroupState(tenantID, groupID, config.Name)

	if err := jsonLoadsData(r[colActive], &state.Active); err != nil {
		return nil, fmt.Errorf("failed to decode active: %w", err)
	}
	if err := jsonLoadsData(r[colPending], &state.Pending); err != nil {
		return nil, fmt.Errorf("failed to decode pending: %w", err)
	}
	if err := jsonLoadsData(r[colPolicyTouched], &state.PolicyTouched); err != nil {
		return nil, fmt.Errorf("failed to decode policyTouched: %w", err)
	}
	touched, err := parseTime(r[colGroupTouched])
	if err != nil {
		return nil, fmt.Errorf("failed to parse groupTouched: %w", err)
	}
	state.GroupTouched = touched
	state.Paused = r[colPaused] == "true"
	return state, nil
}
