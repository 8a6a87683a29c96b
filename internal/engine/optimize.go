package engine

import (
	"context"

	"github.com/stackhaven/warden/internal/events"
	"github.com/stackhaven/warden/internal/policy"
	"github.com/stackhaven/warden/internal/store"
)

// AnalyzeMachine reports duplicates, conflicts and consolidation candidates
// in the machine's own rule set without changing anything.
func (e *Engine) AnalyzeMachine(ctx context.Context, caller Caller, machineID string) (*policy.Analysis, error) {
	var analysis policy.Analysis
	err := e.store.View(ctx, func(tx *store.Tx) error {
		m, err := e.machineForCaller(tx, machineID, caller)
		if err != nil {
			return err
		}
		var rules []policy.Rule
		if m.FilterID != "" {
			rules, err = tx.RulesOf(m.FilterID)
			if err != nil {
				return err
			}
		}
		analysis = policy.Analyze(rules)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

// OptimizeMachine reduces the machine's own rule set per the strategy. With
// apply false it is a dry run returning the would-be result and diff; with
// apply true the reduced set replaces the stored rules atomically and syncs.
func (e *Engine) OptimizeMachine(ctx context.Context, caller Caller, machineID, strategy string, apply bool) (*policy.OptimizeResult, []ServiceError, error) {
	strat, err := policy.ParseStrategy(strategy)
	if err != nil {
		return nil, nil, &ValidationError{Field: "strategy", Message: err.Error()}
	}

	var (
		filter   *policy.Filter
		result   policy.OptimizeResult
		resolved []policy.Rule
	)
	err = e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		m, err := e.machineForCaller(tx, machineID, caller)
		if err != nil {
			return err
		}
		if m.FilterID == "" {
			result = policy.Optimize(nil, strat)
			return nil
		}
		filter, err = tx.FilterByID(m.FilterID)
		if err != nil {
			return err
		}

		rules, err := tx.RulesOf(filter.ID)
		if err != nil {
			return err
		}
		result = policy.Optimize(rules, strat)

		if !apply {
			return nil
		}
		if _, err := tx.DeleteRulesOf(filter.ID); err != nil {
			return err
		}
		for i := range result.OptimizedRules {
			// Fresh ids: consolidated range rules are new entities.
			result.OptimizedRules[i].ID = ""
			if err := tx.CreateRule(&result.OptimizedRules[i]); err != nil {
				return err
			}
		}

		resolved, err = e.resolveTimed(tx, filter.ID)
		return err
	})
	e.metrics.RecordMutation("optimize", err)
	if err != nil {
		return nil, nil, err
	}

	e.metrics.RecordOptimize(string(strat),
		result.Summary.DuplicatesRemoved,
		result.Summary.ConflictsResolved,
		result.Summary.RangesConsolidated)

	var svcErrs []ServiceError
	if apply && filter != nil {
		svcErrs = e.syncer.Flush(ctx, filter, machineID, resolved)
		e.hub.Publish(events.Event{
			Type:   events.EventOptimizeRun,
			Source: "optimizer",
			Data: events.OptimizeData{
				FilterID:           filter.ID,
				Strategy:           string(strat),
				DuplicatesRemoved:  result.Summary.DuplicatesRemoved,
				ConflictsResolved:  result.Summary.ConflictsResolved,
				RangesConsolidated: result.Summary.RangesConsolidated,
			},
		})
	}
	return &result, svcErrs, nil
}
