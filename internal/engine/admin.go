package engine

import (
	"context"

	"github.com/stackhaven/warden/internal/policy"
	"github.com/stackhaven/warden/internal/store"
	"github.com/stackhaven/warden/internal/validation"
)

// CreateDepartment registers a department. Its filter is created lazily on
// the first department-scope rule or template. Admin only.
func (e *Engine) CreateDepartment(ctx context.Context, caller Caller, name string) (*policy.Department, error) {
	if !caller.Admin {
		return nil, ErrAdminRequired
	}
	if err := validation.ValidateIdentifier(name); err != nil {
		return nil, &ValidationError{Field: "name", Message: err.Error()}
	}

	d := &policy.Department{Name: name}
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.CreateDepartment(d)
	})
	e.metrics.RecordMutation("create_department", err)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// CreateMachine registers a machine in a department. Its vm filter is
// created lazily on the first custom rule. Admin only.
func (e *Engine) CreateMachine(ctx context.Context, caller Caller, name, ownerID, departmentID string) (*policy.Machine, error) {
	if !caller.Admin {
		return nil, ErrAdminRequired
	}
	if err := validation.ValidateIdentifier(name); err != nil {
		return nil, &ValidationError{Field: "name", Message: err.Error()}
	}

	m := &policy.Machine{Name: name, OwnerID: ownerID, DepartmentID: departmentID}
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if _, err := tx.DepartmentByID(departmentID); err != nil {
			return err
		}
		return tx.CreateMachine(m)
	})
	e.metrics.RecordMutation("create_machine", err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListTemplates returns every template filter. Admin only.
func (e *Engine) ListTemplates(ctx context.Context, caller Caller) ([]policy.Filter, error) {
	if !caller.Admin {
		return nil, ErrAdminRequired
	}
	var out []policy.Filter
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListFilters(policy.KindTemplate)
		return err
	})
	return out, err
}

// MachineRules returns the machine's own (non-inherited) rules.
func (e *Engine) MachineRules(ctx context.Context, caller Caller, machineID string) ([]policy.Rule, error) {
	var out []policy.Rule
	err := e.store.View(ctx, func(tx *store.Tx) error {
		m, err := e.machineForCaller(tx, machineID, caller)
		if err != nil {
			return err
		}
		if m.FilterID == "" {
			return nil
		}
		out, err = tx.RulesOf(m.FilterID)
		return err
	})
	return out, err
}
