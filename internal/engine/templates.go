package engine

import (
	"context"
	"fmt"

	"github.com/stackhaven/warden/internal/events"
	"github.com/stackhaven/warden/internal/notify"
	"github.com/stackhaven/warden/internal/policy"
	"github.com/stackhaven/warden/internal/store"
	"github.com/stackhaven/warden/internal/validation"
)

// DepartmentResult is the outcome of a department-scope mutation.
type DepartmentResult struct {
	DepartmentID  string         `json:"departmentId"`
	FilterID      string         `json:"filterId"`
	Resolved      []policy.Rule  `json:"resolved"`
	ServiceErrors []ServiceError `json:"serviceErrors,omitempty"`
}

// DepartmentState is the read-only view of a department's policy.
type DepartmentState struct {
	Department policy.Department `json:"department"`
	Filter     *policy.Filter    `json:"filter,omitempty"`
	Templates  []policy.Filter   `json:"templates,omitempty"`
	Machines   []policy.Machine  `json:"machines"`
	Resolved   []policy.Rule     `json:"resolved,omitempty"`
}

// CreateTemplate creates a reusable template filter with an optional initial
// rule set. Admin only.
func (e *Engine) CreateTemplate(ctx context.Context, caller Caller, name string, reqs []RuleRequest) (*policy.Filter, error) {
	if !caller.Admin {
		return nil, ErrAdminRequired
	}
	if err := validation.ValidateIdentifier(name); err != nil {
		return nil, &ValidationError{Field: "name", Message: err.Error()}
	}

	f := &policy.Filter{
		Name:         name,
		InternalName: "warden-tpl-" + name,
		Kind:         policy.KindTemplate,
	}
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.CreateFilter(f); err != nil {
			return err
		}
		for _, req := range reqs {
			rules, err := buildRules(f.ID, req)
			if err != nil {
				return err
			}
			for i := range rules {
				if err := tx.CreateRule(&rules[i]); err != nil {
					return err
				}
			}
		}
		return nil
	})
	e.metrics.RecordMutation("create_template", err)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ApplyTemplate links a template into a department's filter. The reference
// edge and the cycle check commit atomically: if the new edge would let the
// template reach back to the department filter, the whole transaction rolls
// back and the graph is exactly as before. Admin only.
func (e *Engine) ApplyTemplate(ctx context.Context, caller Caller, templateID, departmentID string) (*DepartmentResult, error) {
	if !caller.Admin {
		return nil, ErrAdminRequired
	}

	var (
		deptFilter *policy.Filter
		result     DepartmentResult
	)
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		tpl, err := tx.FilterByID(templateID)
		if err != nil {
			return fmt.Errorf("template %s: %w", templateID, err)
		}
		if tpl.Kind != policy.KindTemplate {
			return fmt.Errorf("filter %s is not a template", templateID)
		}

		dept, err := tx.DepartmentByID(departmentID)
		if err != nil {
			return fmt.Errorf("department %s: %w", departmentID, err)
		}
		deptFilter, err = e.ensureDepartmentFilter(tx, dept)
		if err != nil {
			return err
		}

		if err := tx.CreateReference(deptFilter.ID, tpl.ID); err != nil {
			return err
		}

		// Pre-commit cycle check: with the new edge in place, the template
		// must not reach the department filter.
		reach, err := policy.Reachable(tx, tpl.ID)
		if err != nil {
			return err
		}
		if reach[deptFilter.ID] {
			e.metrics.CycleRejections.Inc()
			return ErrCircularDependency
		}

		result.Resolved, err = e.resolveTimed(tx, deptFilter.ID)
		return err
	})
	e.metrics.RecordMutation("apply_template", err)
	if err != nil {
		return nil, err
	}

	result.DepartmentID = departmentID
	result.FilterID = deptFilter.ID
	result.ServiceErrors = e.syncDepartmentMachines(ctx, departmentID)

	e.hub.EmitTemplateApplied(templateID, departmentID, len(result.Resolved))
	if e.notifier != nil {
		e.notifier.SendToAdmins(string(events.EventTemplateApplied), "Template applied",
			fmt.Sprintf("template %s now applies to department %s", templateID, departmentID),
			notify.LevelInfo)
	}
	return &result, nil
}

// RemoveTemplate unlinks a template from a department. Admin only.
func (e *Engine) RemoveTemplate(ctx context.Context, caller Caller, templateID, departmentID string) (*DepartmentResult, error) {
	if !caller.Admin {
		return nil, ErrAdminRequired
	}

	var (
		deptFilter *policy.Filter
		result     DepartmentResult
	)
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		dept, err := tx.DepartmentByID(departmentID)
		if err != nil {
			return fmt.Errorf("department %s: %w", departmentID, err)
		}
		if dept.FilterID == "" {
			return store.ErrNotFound
		}
		deptFilter, err = tx.FilterByID(dept.FilterID)
		if err != nil {
			return err
		}
		if err := tx.DeleteReference(deptFilter.ID, templateID); err != nil {
			return err
		}
		result.Resolved, err = e.resolveTimed(tx, deptFilter.ID)
		return err
	})
	e.metrics.RecordMutation("remove_template", err)
	if err != nil {
		return nil, err
	}

	result.DepartmentID = departmentID
	result.FilterID = deptFilter.ID
	result.ServiceErrors = e.syncDepartmentMachines(ctx, departmentID)

	e.hub.Publish(events.Event{
		Type:   events.EventTemplateRemoved,
		Source: "engine",
		Data:   events.TemplateData{TemplateID: templateID, DepartmentID: departmentID},
	})
	return &result, nil
}

// AddDepartmentRule adds rules directly to a department's filter, affecting
// every machine in it. Admin only.
func (e *Engine) AddDepartmentRule(ctx context.Context, caller Caller, departmentID string, req RuleRequest) (*DepartmentResult, error) {
	if !caller.Admin {
		return nil, ErrAdminRequired
	}

	var (
		deptFilter *policy.Filter
		result     DepartmentResult
	)
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		dept, err := tx.DepartmentByID(departmentID)
		if err != nil {
			return fmt.Errorf("department %s: %w", departmentID, err)
		}
		deptFilter, err = e.ensureDepartmentFilter(tx, dept)
		if err != nil {
			return err
		}

		rules, err := buildRules(deptFilter.ID, req)
		if err != nil {
			return err
		}
		for i := range rules {
			if err := tx.CreateRule(&rules[i]); err != nil {
				return err
			}
		}

		result.Resolved, err = e.resolveTimed(tx, deptFilter.ID)
		return err
	})
	e.metrics.RecordMutation("add_department_rule", err)
	if err != nil {
		return nil, err
	}

	result.DepartmentID = departmentID
	result.FilterID = deptFilter.ID
	result.ServiceErrors = e.syncDepartmentMachines(ctx, departmentID)
	return &result, nil
}

// FlushToAllVMs re-syncs every machine of a department with its resolved
// policy. Each machine is attempted independently; one failure never stops
// the rest. Admin only.
func (e *Engine) FlushToAllVMs(ctx context.Context, caller Caller, departmentID string) ([]ServiceError, error) {
	if !caller.Admin {
		return nil, ErrAdminRequired
	}
	if err := e.store.View(ctx, func(tx *store.Tx) error {
		_, err := tx.DepartmentByID(departmentID)
		return err
	}); err != nil {
		return nil, err
	}

	errs := e.syncDepartmentMachines(ctx, departmentID)
	e.hub.Publish(events.Event{
		Type:   events.EventDepartmentFlushed,
		Source: "engine",
		Data:   events.TemplateData{DepartmentID: departmentID},
	})
	return errs, nil
}

// GetDepartmentState returns the department's policy view: filter, applied
// templates, machines and the resolved department rule set. Admin only.
func (e *Engine) GetDepartmentState(ctx context.Context, caller Caller, departmentID string) (*DepartmentState, error) {
	if !caller.Admin {
		return nil, ErrAdminRequired
	}

	var state DepartmentState
	err := e.store.View(ctx, func(tx *store.Tx) error {
		dept, err := tx.DepartmentByID(departmentID)
		if err != nil {
			return err
		}
		state.Department = *dept

		state.Machines, err = tx.MachinesOfDepartment(departmentID)
		if err != nil {
			return err
		}

		if dept.FilterID == "" {
			return nil
		}
		state.Filter, err = tx.FilterByID(dept.FilterID)
		if err != nil {
			return err
		}

		refs, err := tx.ReferencesFrom(dept.FilterID)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			f, err := tx.FilterByID(ref.TargetFilterID)
			if err != nil {
				return err
			}
			if f.Kind == policy.KindTemplate {
				state.Templates = append(state.Templates, *f)
			}
		}

		state.Resolved, err = e.resolveTimed(tx, dept.FilterID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// GetDepartmentRules returns the department filter's resolved rule set.
// A department without a filter has no rules. Admin only.
func (e *Engine) GetDepartmentRules(ctx context.Context, caller Caller, departmentID string) ([]policy.Rule, error) {
	if !caller.Admin {
		return nil, ErrAdminRequired
	}

	var rules []policy.Rule
	err := e.store.View(ctx, func(tx *store.Tx) error {
		dept, err := tx.DepartmentByID(departmentID)
		if err != nil {
			return err
		}
		if dept.FilterID == "" {
			return nil
		}
		rules, err = e.resolveTimed(tx, dept.FilterID)
		return err
	})
	return rules, err
}

// syncDepartmentMachines flushes the resolved policy of every machine in the
// department that has a vm filter. Best-effort across machines.
func (e *Engine) syncDepartmentMachines(ctx context.Context, departmentID string) []ServiceError {
	type target struct {
		filter   *policy.Filter
		machine  string
		resolved []policy.Rule
	}
	var targets []target

	err := e.store.View(ctx, func(tx *store.Tx) error {
		machines, err := tx.MachinesOfDepartment(departmentID)
		if err != nil {
			return err
		}
		for _, m := range machines {
			if m.FilterID == "" {
				continue
			}
			f, err := tx.FilterByID(m.FilterID)
			if err != nil {
				return err
			}
			resolved, err := e.resolveTimed(tx, f.ID)
			if err != nil {
				return err
			}
			targets = append(targets, target{filter: f, machine: m.ID, resolved: resolved})
		}
		return nil
	})
	if err != nil {
		return []ServiceError{{
			Service:  "enforcement",
			Message:  fmt.Sprintf("failed to gather machines of department %s: %v", departmentID, err),
			Recovery: "run a department flush once the store is reachable",
		}}
	}

	var out []ServiceError
	for _, t := range targets {
		out = append(out, e.syncer.Flush(ctx, t.filter, t.machine, t.resolved)...)
	}
	return out
}
