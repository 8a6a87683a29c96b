package engine

import (
	"context"
	"fmt"

	"github.com/stackhaven/warden/internal/enforce"
	"github.com/stackhaven/warden/internal/events"
	"github.com/stackhaven/warden/internal/logging"
	"github.com/stackhaven/warden/internal/metrics"
	"github.com/stackhaven/warden/internal/policy"
	"github.com/stackhaven/warden/internal/store"
)

// Syncer pushes resolved rule sets to the enforcement layer. It runs strictly
// after the owning transaction committed; a failure here is reported as a
// ServiceError and never unwinds the mutation.
type Syncer struct {
	store   *store.Store
	driver  enforce.Driver
	retry   enforce.RetryConfig
	hub     *events.Hub
	metrics *metrics.Registry
	log     *logging.Logger
}

// Flush replaces the filter's enforcement rule set with rules, creating the
// enforcement-side filter on first contact. The returned slice is empty on
// full success and carries one ServiceError per degraded step otherwise.
func (s *Syncer) Flush(ctx context.Context, f *policy.Filter, machineID string, rules []policy.Rule) []ServiceError {
	if s.driver == nil {
		return nil
	}

	if f.EnforcementUUID == "" {
		uuid, err := s.driver.CreateFilter(ctx, f.InternalName, "", f.Chain, f.Kind)
		if err != nil {
			s.metrics.RecordSync("enforcement", err)
			s.hub.EmitSyncFailed(f.ID, machineID, len(rules), err)
			s.log.Warn("enforcement filter creation failed", "filter", f.ID, "error", err)
			return []ServiceError{{
				Service:  "enforcement",
				Message:  fmt.Sprintf("failed to create enforcement filter: %v", err),
				Recovery: "policy saved; sync will be retried on the next mutation",
			}}
		}
		f.EnforcementUUID = uuid

		// Persist the handle so restarts reuse the chain. Best-effort: the
		// mutation already committed, a failure here only costs a re-create.
		if err := s.store.RunInTransaction(ctx, func(tx *store.Tx) error {
			stored, err := tx.FilterByID(f.ID)
			if err != nil {
				return err
			}
			stored.EnforcementUUID = uuid
			return tx.UpdateFilter(stored)
		}); err != nil {
			s.log.Warn("failed to persist enforcement uuid", "filter", f.ID, "error", err)
		}
	}

	err := enforce.Retry(ctx, s.retry, func() error {
		return s.driver.Flush(ctx, f.EnforcementUUID, rules)
	})
	s.metrics.RecordSync("enforcement", err)
	if err != nil {
		s.hub.EmitSyncFailed(f.ID, machineID, len(rules), err)
		s.log.Warn("enforcement sync failed", "filter", f.ID, "rules", len(rules), "error", err)
		return []ServiceError{{
			Service:  "enforcement",
			Message:  fmt.Sprintf("failed to apply %d rules: %v", len(rules), err),
			Recovery: "policy saved; sync will be retried on the next mutation",
		}}
	}

	s.hub.Publish(events.Event{
		Type:   events.EventSyncApplied,
		Source: "sync",
		Data:   events.SyncData{FilterID: f.ID, MachineID: machineID, RuleCount: len(rules)},
	})
	return nil
}
