// Package engine implements the policy mutations: rule creation, template
// application, optimization, backup and restore. Every mutation follows the
// same shape: validate, write and resolve inside one store transaction, then
// sync the enforcement layer post-commit. Sync failures degrade to
// ServiceErrors on an otherwise successful result; they never roll back
// committed policy data.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stackhaven/warden/internal/clock"
	"github.com/stackhaven/warden/internal/enforce"
	"github.com/stackhaven/warden/internal/events"
	"github.com/stackhaven/warden/internal/logging"
	"github.com/stackhaven/warden/internal/metrics"
	"github.com/stackhaven/warden/internal/policy"
	"github.com/stackhaven/warden/internal/store"
)

// Caller identifies who is performing an operation.
type Caller struct {
	UserID string
	Admin  bool
}

// Notifier is the slice of the notification dispatcher the engine needs.
// Both calls are fire-and-forget.
type Notifier interface {
	SendToUser(userID, eventType, title, message string)
	SendToAdmins(eventType, title, message, level string)
}

// Options wires an Engine.
type Options struct {
	Store    *store.Store
	Driver   enforce.Driver
	Hub      *events.Hub
	Notifier Notifier
	Logger   *logging.Logger
	Clock    clock.Clock
	Retry    enforce.RetryConfig
}

// Engine coordinates the store, the pure policy computations and the
// enforcement driver.
type Engine struct {
	store    *store.Store
	syncer   *Syncer
	hub      *events.Hub
	notifier Notifier
	metrics  *metrics.Registry
	log      *logging.Logger
	clock    clock.Clock
}

// New builds an Engine. Store and Driver are required; everything else
// defaults.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("engine")
	}
	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	hub := opts.Hub
	if hub == nil {
		hub = events.NewHub()
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = enforce.DefaultRetryConfig()
	}

	reg := metrics.Get()
	return &Engine{
		store: opts.Store,
		syncer: &Syncer{
			store:   opts.Store,
			driver:  opts.Driver,
			retry:   retry,
			hub:     hub,
			metrics: reg,
			log:     log.WithComponent("sync"),
		},
		hub:      hub,
		notifier: opts.Notifier,
		metrics:  reg,
		log:      log,
		clock:    clk,
	}
}

// Hub exposes the event hub for subscribers (API websocket, notify bridge).
func (e *Engine) Hub() *events.Hub {
	return e.hub
}

// MutationResult is the outcome of a successful policy mutation. Resolved is
// the full effective set; CustomRules are the filter's own rules and
// AppliedTemplates the template filters it transitively inherits. LastSync is
// set only when the enforcement layer accepted the new set.
type MutationResult struct {
	MachineID        string          `json:"machineId,omitempty"`
	FilterID         string          `json:"filterId"`
	RuleIDs          []string        `json:"ruleIds,omitempty"`
	AppliedTemplates []policy.Filter `json:"appliedTemplates,omitempty"`
	CustomRules      []policy.Rule   `json:"customRules,omitempty"`
	Resolved         []policy.Rule   `json:"resolved"`
	LastSync         *time.Time      `json:"lastSync,omitempty"`
	ServiceErrors    []ServiceError  `json:"serviceErrors,omitempty"`
}

// effectiveState fills the caller-visible view of a machine filter: its own
// custom rules and the templates it inherits through the reference graph.
func (e *Engine) effectiveState(tx *store.Tx, filterID string, result *MutationResult) error {
	var err error
	result.CustomRules, err = tx.RulesOf(filterID)
	if err != nil {
		return err
	}

	reach, err := policy.Reachable(tx, filterID)
	if err != nil {
		return err
	}
	for id := range reach {
		if id == filterID {
			continue
		}
		f, err := tx.FilterByID(id)
		if err != nil {
			return err
		}
		if f.Kind == policy.KindTemplate {
			result.AppliedTemplates = append(result.AppliedTemplates, *f)
		}
	}
	sort.Slice(result.AppliedTemplates, func(i, j int) bool {
		return result.AppliedTemplates[i].Name < result.AppliedTemplates[j].Name
	})
	return nil
}

// markSynced stamps the result when the enforcement layer took the new set.
func (e *Engine) markSynced(result *MutationResult) {
	if len(result.ServiceErrors) == 0 {
		now := e.clock.Now()
		result.LastSync = &now
	}
}

// notifySyncDegraded tells the machine owner their change is saved but not
// yet enforced. Fire-and-forget, like every dispatcher call.
func (e *Engine) notifySyncDegraded(ownerID, machineID string, errs []ServiceError) {
	if e.notifier == nil || len(errs) == 0 {
		return
	}
	e.notifier.SendToUser(ownerID, string(events.EventSyncFailed),
		"Firewall sync delayed",
		fmt.Sprintf("rules for machine %s are saved but not yet enforced: %s",
			machineID, errs[0].Recovery))
}

// machineForCaller loads a machine and checks ownership. Missing machine and
// foreign machine collapse into the same error.
func (e *Engine) machineForCaller(tx *store.Tx, machineID string, caller Caller) (*policy.Machine, error) {
	m, err := tx.MachineByID(machineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFoundOrDenied
		}
		return nil, err
	}
	if !caller.Admin && m.OwnerID != caller.UserID {
		return nil, ErrNotFoundOrDenied
	}
	return m, nil
}

// ensureMachineFilter returns the machine's vm filter, creating it lazily on
// first use. The fresh filter references the department filter so the
// machine keeps inheriting department policy.
func (e *Engine) ensureMachineFilter(tx *store.Tx, m *policy.Machine) (*policy.Filter, error) {
	if m.FilterID != "" {
		return tx.FilterByID(m.FilterID)
	}

	f := &policy.Filter{
		Name:         "vm-" + m.ID,
		InternalName: "warden-vm-" + m.ID,
		Kind:         policy.KindVM,
		StateMatch:   true,
	}
	if err := tx.CreateFilter(f); err != nil {
		return nil, err
	}

	dept, err := tx.DepartmentByID(m.DepartmentID)
	if err != nil {
		return nil, err
	}
	if dept.FilterID != "" {
		if err := tx.CreateReference(f.ID, dept.FilterID); err != nil {
			return nil, err
		}
	}

	m.FilterID = f.ID
	if err := tx.UpdateMachine(m); err != nil {
		return nil, err
	}

	e.log.Info("created vm filter", "machine", m.ID, "filter", f.ID)
	return f, nil
}

// ensureDepartmentFilter returns the department's filter, creating it lazily.
func (e *Engine) ensureDepartmentFilter(tx *store.Tx, d *policy.Department) (*policy.Filter, error) {
	if d.FilterID != "" {
		return tx.FilterByID(d.FilterID)
	}

	f := &policy.Filter{
		Name:         "dept-" + d.ID,
		InternalName: "warden-dept-" + d.ID,
		Kind:         policy.KindDepartment,
		StateMatch:   true,
	}
	if err := tx.CreateFilter(f); err != nil {
		return nil, err
	}

	d.FilterID = f.ID
	if err := tx.UpdateDepartment(d); err != nil {
		return nil, err
	}

	// Existing vm filters of this department start inheriting immediately.
	machines, err := tx.MachinesOfDepartment(d.ID)
	if err != nil {
		return nil, err
	}
	for _, m := range machines {
		if m.FilterID == "" {
			continue
		}
		if err := tx.CreateReference(m.FilterID, f.ID); err != nil {
			return nil, err
		}
	}

	e.log.Info("created department filter", "department", d.ID, "filter", f.ID)
	return f, nil
}

// resolveTimed resolves through the given view and records metrics.
func (e *Engine) resolveTimed(v policy.View, filterID string) ([]policy.Rule, error) {
	start := e.clock.Now()
	rules, err := policy.Resolve(v, filterID)
	e.metrics.RecordResolve(e.clock.Now().Sub(start).Seconds(), len(rules), err)
	return rules, err
}

// EffectiveRules returns the machine's resolved rule set. A machine without
// a vm filter falls back to the department filter; a machine in a department
// without policy has no effective rules.
func (e *Engine) EffectiveRules(ctx context.Context, caller Caller, machineID string) ([]policy.Rule, error) {
	var rules []policy.Rule
	err := e.store.View(ctx, func(tx *store.Tx) error {
		m, err := e.machineForCaller(tx, machineID, caller)
		if err != nil {
			return err
		}

		filterID := m.FilterID
		if filterID == "" {
			dept, err := tx.DepartmentByID(m.DepartmentID)
			if err != nil {
				return err
			}
			filterID = dept.FilterID
		}
		if filterID == "" {
			return nil
		}

		rules, err = e.resolveTimed(tx, filterID)
		return err
	})
	return rules, err
}
