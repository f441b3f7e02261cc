package storage

import (
	"bytes"
	"context"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/RackerWilliams/otter/pkg/events"
	"github.com/RackerWilliams/otter/pkg/locks"
	"github.com/RackerWilliams/otter/pkg/types"
)

// boltGroup is the per-group facade over the store. It holds no cached
// state; every operation goes back to the rows.
type boltGroup struct {
	store    *BoltStore
	tenantID string
	groupID  string
	log      zerolog.Logger
}

func (g *boltGroup) TenantID() string { return g.tenantID }
func (g *boltGroup) GroupID() string  { return g.groupID }

func (g *boltGroup) notFound() error {
	return &types.NoSuchScalingGroupError{TenantID: g.tenantID, GroupID: g.groupID}
}

// viewRowTx reads the group row through the resurrection check.
func (g *boltGroup) viewRowTx(tx *bolt.Tx) (row, error) {
	return verifiedViewTx(tx.Bucket(bucketGroups), groupKey(g.tenantID, g.groupID), g.notFound())
}

// ViewManifest returns the group's configs, its policies and its state.
func (g *boltGroup) ViewManifest() (*types.Manifest, error) {
	var manifest *types.Manifest
	err := g.store.db.Update(func(tx *bolt.Tx) error {
		r, err := g.viewRowTx(tx)
		if err != nil {
			return err
		}
		var config types.GroupConfig
		if err := jsonLoadsData(r[colGroupConfig], &config); err != nil {
			return fmt.Errorf("failed to decode group_config: %w", err)
		}
		var launch types.LaunchConfig
		if err := jsonLoadsData(r[colLaunchConfig], &launch); err != nil {
			return fmt.Errorf("failed to decode launch_config: %w", err)
		}
		// The manifest is the whole group; policy paging does not apply.
		policies, err := g.naiveListPoliciesTx(tx, int(^uint(0)>>1), "")
		if err != nil {
			return err
		}
		state, err := unmarshalState(r, g.tenantID, g.groupID)
		if err != nil {
			return err
		}
		manifest = &types.Manifest{
			ID:           g.groupID,
			GroupConfig:  config,
			LaunchConfig: launch,
			Policies:     policies,
			State:        state,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// ViewConfig returns the group configuration.
func (g *boltGroup) ViewConfig() (*types.GroupConfig, error) {
	var config types.GroupConfig
	err := g.store.db.Update(func(tx *bolt.Tx) error {
		r, err := g.viewRowTx(tx)
		if err != nil {
			return err
		}
		return jsonLoadsData(r[colGroupConfig], &config)
	})
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// ViewLaunchConfig returns the launch configuration.
func (g *boltGroup) ViewLaunchConfig() (*types.LaunchConfig, error) {
	var launch types.LaunchConfig
	err := g.store.db.Update(func(tx *bolt.Tx) error {
		r, err := g.viewRowTx(tx)
		if err != nil {
			return err
		}
		return jsonLoadsData(r[colLaunchConfig], &launch)
	})
	if err != nil {
		return nil, err
	}
	return &launch, nil
}

// ViewState returns the mutable group state.
func (g *boltGroup) ViewState() (*types.GroupState, error) {
	var state *types.GroupState
	err := g.store.db.Update(func(tx *bolt.Tx) error {
		r, err := g.viewRowTx(tx)
		if err != nil {
			return err
		}
		state, err = unmarshalState(r, g.tenantID, g.groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateConfig replaces the group configuration. Read-before-write: the
// view proves the row exists so the upsert cannot resurrect a deleted
// group.
func (g *boltGroup) UpdateConfig(config types.GroupConfig) error {
	if err := ValidateGroupConfig(config); err != nil {
		return err
	}
	g.log.Info().Msg("Updating group config")
	return g.store.db.Update(func(tx *bolt.Tx) error {
		if _, err := g.viewRowTx(tx); err != nil {
			return err
		}
		col, err := serializeJSONData(config)
		if err != nil {
			return err
		}
		return mergeColumns(tx.Bucket(bucketGroups), groupKey(g.tenantID, g.groupID),
			row{colGroupConfig: col})
	})
}

// UpdateLaunchConfig replaces the launch configuration.
func (g *boltGroup) UpdateLaunchConfig(launch types.LaunchConfig) error {
	g.log.Info().Msg("Updating launch config")
	return g.store.db.Update(func(tx *bolt.Tx) error {
		if _, err := g.viewRowTx(tx); err != nil {
			return err
		}
		col, err := serializeJSONData(launch)
		if err != nil {
			return err
		}
		return mergeColumns(tx.Bucket(bucketGroups), groupKey(g.tenantID, g.groupID),
			row{colLaunchConfig: col})
	})
}

// ModifyState applies f to the group state under the group's advisory lock:
// read, compute, write one batch of state columns. If f fails nothing is
// written; the lock is always released.
func (g *boltGroup) ModifyState(ctx context.Context, f Modifier) error {
	lock := g.store.locks.NewLock(g.groupID, locks.DefaultMaxRetry,
		g.log.With().Str("category", "locking").Logger())

	return locks.WithLock(ctx, lock, func() error {
		state, err := g.ViewState()
		if err != nil {
			return err
		}
		newState, err := f(g, state)
		if err != nil {
			return err
		}
		if newState.TenantID != g.tenantID || newState.GroupID != g.groupID {
			return fmt.Errorf("modifier returned state for (%s, %s), want (%s, %s)",
				newState.TenantID, newState.GroupID, g.tenantID, g.groupID)
		}
		return g.writeState(newState)
	})
}

func (g *boltGroup) writeState(state *types.GroupState) error {
	active, err := serializeJSONData(state.Active)
	if err != nil {
		return err
	}
	pending, err := serializeJSONData(state.Pending)
	if err != nil {
		return err
	}
	policyTouched, err := serializeJSONData(state.PolicyTouched)
	if err != nil {
		return err
	}
	cols := row{
		colActive:        active,
		colPending:       pending,
		colPolicyTouched: policyTouched,
		colPaused:        fmt.Sprintf("%t", state.Paused),
	}
	if !state.GroupTouched.IsZero() {
		cols[colGroupTouched] = formatTime(state.GroupTouched)
	}
	return g.store.db.Update(func(tx *bolt.Tx) error {
		return mergeColumns(tx.Bucket(bucketGroups), groupKey(g.tenantID, g.groupID), cols)
	})
}

// naiveListPoliciesTx lists policies without checking that the group still
// exists.
func (g *boltGroup) naiveListPoliciesTx(tx *bolt.Tx, limit int, marker string) ([]types.Policy, error) {
	policies := []types.Policy{}
	prefix := []byte(g.tenantID + keySep + g.groupID + keySep)
	start := prefix
	if marker != "" {
		start = append(policyKey(g.tenantID, g.groupID, marker), 0)
	}
	c := tx.Bucket(bucketPolicies).Cursor()
	for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if len(policies) == limit {
			break
		}
		r, err := decodeRow(v)
		if err != nil {
			return nil, err
		}
		var p types.Policy
		if err := jsonLoadsData(r[colData], &p); err != nil {
			return nil, fmt.Errorf("failed to decode policy: %w", err)
		}
		p.ID = lastKeyPart(k)
		policies = append(policies, p)
	}
	return policies, nil
}

// ListPolicies pages through the group's policies. An empty result is only
// trusted after re-checking that the group itself still exists.
func (g *boltGroup) ListPolicies(limit int, marker string) ([]types.Policy, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	var policies []types.Policy
	err := g.store.db.Update(func(tx *bolt.Tx) error {
		var err error
		policies, err = g.naiveListPoliciesTx(tx, limit, marker)
		if err != nil {
			return err
		}
		if len(policies) == 0 {
			if _, err := g.viewRowTx(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return policies, nil
}

func (g *boltGroup) policyNotFound(policyID string) error {
	return &types.NoSuchPolicyError{TenantID: g.tenantID, GroupID: g.groupID, PolicyID: policyID}
}

func (g *boltGroup) getPolicyTx(tx *bolt.Tx, policyID string) (*types.Policy, error) {
	data := tx.Bucket(bucketPolicies).Get(policyKey(g.tenantID, g.groupID, policyID))
	if data == nil {
		return nil, g.policyNotFound(policyID)
	}
	r, err := decodeRow(data)
	if err != nil {
		return nil, err
	}
	var p types.Policy
	if err := jsonLoadsData(r[colData], &p); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	p.ID = policyID
	return &p, nil
}

// GetPolicy returns one policy by id.
func (g *boltGroup) GetPolicy(policyID string) (*types.Policy, error) {
	var policy *types.Policy
	err := g.store.db.View(func(tx *bolt.Tx) error {
		var err error
		policy, err = g.getPolicyTx(tx, policyID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// CreatePolicies adds policies to the group, inserting schedule events for
// schedule policies in the same batch.
func (g *boltGroup) CreatePolicies(policies []types.Policy) ([]types.Policy, error) {
	for _, p := range policies {
		if err := ValidatePolicy(p); err != nil {
			return nil, err
		}
	}
	g.log.Info().Int("policies", len(policies)).Msg("Creating policies")

	now := g.store.clock.Now()
	var created []types.Policy
	err := g.store.db.Update(func(tx *bolt.Tx) error {
		if _, err := g.viewRowTx(tx); err != nil {
			return err
		}
		var err error
		created, err = insertPoliciesTx(tx, g.tenantID, g.groupID, policies, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdatePolicy replaces a policy's data. The type is immutable; for
// schedule policies whose args change, the old event row is deleted and a
// fresh one inserted, since the trigger is part of the event key.
func (g *boltGroup) UpdatePolicy(policyID string, data types.Policy) error {
	if err := ValidatePolicy(data); err != nil {
		return err
	}
	g.log.Info().Str("policy_id", policyID).Msg("Updating policy")

	now := g.store.clock.Now()
	return g.store.db.Update(func(tx *bolt.Tx) error {
		prev, err := g.getPolicyTx(tx, policyID)
		if err != nil {
			return err
		}
		if prev.Type != data.Type {
			return &types.ValidationError{Message: "cannot change type of a scaling policy"}
		}
		if prev.Type == types.PolicySchedule && !reflect.DeepEqual(prev.Args, data.Args) {
			if err := deleteEventsForPoliciesTx(tx, map[string]bool{policyID: true}); err != nil {
				return err
			}
			data.ID = policyID
			if err := insertEventTx(tx, g.tenantID, g.groupID, data, now); err != nil {
				return err
			}
		}
		data.ID = policyID
		col, err := serializeJSONData(data)
		if err != nil {
			return err
		}
		return mergeColumns(tx.Bucket(bucketPolicies),
			policyKey(g.tenantID, g.groupID, policyID), row{colData: col})
	})
}

// DeletePolicy removes a policy, all webhooks under it, and all schedule
// events referencing it, atomically.
func (g *boltGroup) DeletePolicy(policyID string) error {
	g.log.Info().Str("policy_id", policyID).Msg("Deleting policy")
	return g.store.db.Update(func(tx *bolt.Tx) error {
		if _, err := g.getPolicyTx(tx, policyID); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPolicies).Delete(policyKey(g.tenantID, g.groupID, policyID)); err != nil {
			return err
		}
		if err := g.deleteWebhooksUnderTx(tx, policyID); err != nil {
			return err
		}
		return deleteEventsForPoliciesTx(tx, map[string]bool{policyID: true})
	})
}

// deleteWebhooksUnderTx removes every webhook row under the policy along
// with its capability index entry.
func (g *boltGroup) deleteWebhooksUnderTx(tx *bolt.Tx, policyID string) error {
	b := tx.Bucket(bucketWebhooks)
	keys := tx.Bucket(bucketWebhookKeys)
	prefix := []byte(g.tenantID + keySep + g.groupID + keySep + policyID + keySep)

	var doomed [][]byte
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		r, err := decodeRow(v)
		if err != nil {
			return err
		}
		var capability types.Capability
		if r[colCapability] != "" {
			if err := jsonLoadsData(r[colCapability], &capability); err != nil {
				return err
			}
			if err := keys.Delete([]byte(capability.Hash)); err != nil {
				return err
			}
		}
		doomed = append(doomed, append([]byte(nil), k...))
	}
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (g *boltGroup) webhookNotFound(policyID, webhookID string) error {
	return &types.NoSuchWebhookError{
		TenantID:  g.tenantID,
		GroupID:   g.groupID,
		PolicyID:  policyID,
		WebhookID: webhookID,
	}
}

func (g *boltGroup) getWebhookTx(tx *bolt.Tx, policyID, webhookID string) (*types.Webhook, error) {
	data := tx.Bucket(bucketWebhooks).Get(webhookRowKey(g.tenantID, g.groupID, policyID, webhookID))
	if data == nil {
		return nil, g.webhookNotFound(policyID, webhookID)
	}
	r, err := decodeRow(data)
	if err != nil {
		return nil, err
	}
	var w types.Webhook
	if err := jsonLoadsData(r[colData], &w); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	if err := jsonLoadsData(r[colCapability], &w.Capability); err != nil {
		return nil, fmt.Errorf("failed to decode webhook capability: %w", err)
	}
	w.ID = webhookID
	return &w, nil
}

// ListWebhooks pages through a policy's webhooks. Empty results re-check
// the policy so a missing policy surfaces as NoSuchPolicyError, not an
// empty list.
func (g *boltGroup) ListWebhooks(policyID string, limit int, marker string) ([]types.Webhook, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	webhooks := []types.Webhook{}
	err := g.store.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(g.tenantID + keySep + g.groupID + keySep + policyID + keySep)
		start := prefix
		if marker != "" {
			start = append(webhookRowKey(g.tenantID, g.groupID, policyID, marker), 0)
		}
		c := tx.Bucket(bucketWebhooks).Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if len(webhooks) == limit {
				break
			}
			r, err := decodeRow(v)
			if err != nil {
				return err
			}
			var w types.Webhook
			if err := jsonLoadsData(r[colData], &w); err != nil {
				return err
			}
			if err := jsonLoadsData(r[colCapability], &w.Capability); err != nil {
				return err
			}
			w.ID = lastKeyPart(k)
			webhooks = append(webhooks, w)
		}
		if len(webhooks) == 0 {
			if _, err := g.getPolicyTx(tx, policyID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return webhooks, nil
}

// GetWebhook returns one webhook by id.
func (g *boltGroup) GetWebhook(policyID, webhookID string) (*types.Webhook, error) {
	var webhook *types.Webhook
	err := g.store.db.View(func(tx *bolt.Tx) error {
		var err error
		webhook, err = g.getWebhookTx(tx, policyID, webhookID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return webhook, nil
}

// CreateWebhooks mints capabilities for the given webhooks and writes the
// rows plus their hash index entries in one batch.
func (g *boltGroup) CreateWebhooks(policyID string, webhooks []types.Webhook) ([]types.Webhook, error) {
	for i := range webhooks {
		if err := ValidateWebhook(&webhooks[i]); err != nil {
			return nil, err
		}
	}
	g.log.Info().Str("policy_id", policyID).Int("webhooks", len(webhooks)).Msg("Creating webhooks")

	created := make([]types.Webhook, 0, len(webhooks))
	err := g.store.db.Update(func(tx *bolt.Tx) error {
		if _, err := g.getPolicyTx(tx, policyID); err != nil {
			return err
		}
		for _, w := range webhooks {
			w.ID = generateKey()
			version, hash, err := generateCapability()
			if err != nil {
				return err
			}
			w.Capability = types.Capability{Version: version, Hash: hash}

			dataCol, err := serializeJSONData(types.Webhook{Name: w.Name, Metadata: w.Metadata})
			if err != nil {
				return err
			}
			capCol, err := serializeJSONData(w.Capability)
			if err != nil {
				return err
			}
			webhookRow := row{colData: dataCol, colCapability: capCol}
			encoded, err := webhookRow.encode()
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketWebhooks).Put(
				webhookRowKey(g.tenantID, g.groupID, policyID, w.ID), encoded); err != nil {
				return err
			}

			index, err := row{
				colTenantID: g.tenantID,
				colGroupID:  g.groupID,
				colPolicyID: policyID,
			}.encode()
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketWebhookKeys).Put([]byte(hash), index); err != nil {
				return err
			}
			created = append(created, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateWebhook replaces a webhook's name and metadata. The capability
// column is untouched, so the capability URL is stable across updates.
func (g *boltGroup) UpdateWebhook(policyID, webhookID string, data types.Webhook) error {
	if err := ValidateWebhook(&data); err != nil {
		return err
	}
	g.log.Info().
		Str("policy_id", policyID).
		Str("webhook_id", webhookID).
		Msg("Updating webhook")

	return g.store.db.Update(func(tx *bolt.Tx) error {
		if _, err := g.getWebhookTx(tx, policyID, webhookID); err != nil {
			return err
		}
		col, err := serializeJSONData(types.Webhook{Name: data.Name, Metadata: data.Metadata})
		if err != nil {
			return err
		}
		return mergeColumns(tx.Bucket(bucketWebhooks),
			webhookRowKey(g.tenantID, g.groupID, policyID, webhookID), row{colData: col})
	})
}

// DeleteWebhook removes one webhook and its capability index entry.
func (g *boltGroup) DeleteWebhook(policyID, webhookID string) error {
	g.log.Info().
		Str("policy_id", policyID).
		Str("webhook_id", webhookID).
		Msg("Deleting webhook")

	return g.store.db.Update(func(tx *bolt.Tx) error {
		w, err := g.getWebhookTx(tx, policyID, webhookID)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketWebhookKeys).Delete([]byte(w.Capability.Hash)); err != nil {
			return err
		}
		return tx.Bucket(bucketWebhooks).Delete(
			webhookRowKey(g.tenantID, g.groupID, policyID, webhookID))
	})
}

// DeleteGroup removes the group and everything it owns in one batch. It
// fails with GroupNotEmptyError while any server is active or pending, and
// holds the group lock so it cannot race a policy execution.
func (g *boltGroup) DeleteGroup(ctx context.Context) error {
	lock := g.store.locks.NewLock(g.groupID, locks.DefaultMaxRetry,
		g.log.With().Str("category", "locking").Logger())

	err := locks.WithLock(ctx, lock, func() error {
		return g.store.db.Update(func(tx *bolt.Tx) error {
			r, err := g.viewRowTx(tx)
			if err != nil {
				return err
			}
			state, err := unmarshalState(r, g.tenantID, g.groupID)
			if err != nil {
				return err
			}
			if state.Desired() > 0 {
				return &types.GroupNotEmptyError{TenantID: g.tenantID, GroupID: g.groupID}
			}

			policies, err := g.naiveListPoliciesTx(tx, int(^uint(0)>>1), "")
			if err != nil {
				return err
			}
			doomedPolicies := map[string]bool{}
			for _, p := range policies {
				doomedPolicies[p.ID] = true
				if err := g.deleteWebhooksUnderTx(tx, p.ID); err != nil {
					return err
				}
				if err := tx.Bucket(bucketPolicies).Delete(
					policyKey(g.tenantID, g.groupID, p.ID)); err != nil {
					return err
				}
			}
			if err := deleteEventsForPoliciesTx(tx, doomedPolicies); err != nil {
				return err
			}
			return tx.Bucket(bucketGroups).Delete(groupKey(g.tenantID, g.groupID))
		})
	})
	if err != nil {
		return err
	}
	g.store.publish(events.EventGroupDeleted, g.tenantID, g.groupID,
		"scaling group deleted")
	return nil
}
