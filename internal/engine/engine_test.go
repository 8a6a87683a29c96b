package engine

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackhaven/warden/internal/clock"
	"github.com/stackhaven/warden/internal/enforce"
	"github.com/stackhaven/warden/internal/logging"
	"github.com/stackhaven/warden/internal/policy"
	"github.com/stackhaven/warden/internal/store"
)

var (
	admin = Caller{UserID: "root", Admin: true}
	alice = Caller{UserID: "alice"}
	bob   = Caller{UserID: "bob"}
)

func newTestEngine(t *testing.T) (*Engine, *enforce.MockDriver, *store.Store) {
	t.Helper()

	opts := store.DefaultOptions(":memory:")
	opts.Clock = clock.NewMockClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	s, err := store.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	driver := enforce.NewMockDriver()
	e := New(Options{
		Store:  s,
		Driver: driver,
		Logger: logging.New(logging.Config{Level: logging.LevelError}),
		Clock:  opts.Clock,
		Retry:  enforce.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffFactor: 1},
	})
	return e, driver, s
}

// seed creates a department with one machine owned by alice and returns both ids.
func seed(t *testing.T, e *Engine) (deptID, machineID string) {
	t.Helper()
	ctx := context.Background()

	d, err := e.CreateDepartment(ctx, admin, "engineering")
	require.NoError(t, err)
	m, err := e.CreateMachine(ctx, admin, "web-1", alice.UserID, d.ID)
	require.NoError(t, err)
	return d.ID, m.ID
}

func singlePort(action string, priority, port int) RuleRequest {
	return RuleRequest{
		Action:    action,
		Direction: "in",
		Priority:  priority,
		Protocol:  "tcp",
		PortType:  "SINGLE",
		PortValue: strconv.Itoa(port),
	}
}

func TestAddRuleCreatesVMFilterAndInheritsDepartment(t *testing.T) {
	e, driver, _ := newTestEngine(t)
	ctx := context.Background()
	deptID, machineID := seed(t, e)

	// Department-wide drop first.
	_, err := e.AddDepartmentRule(ctx, admin, deptID, singlePort("drop", 900, 23))
	require.NoError(t, err)

	res, err := e.CreateAdvancedFirewallRule(ctx, alice, machineID, singlePort("accept", 100, 8080))
	require.NoError(t, err)
	require.Empty(t, res.ServiceErrors)
	require.Len(t, res.RuleIDs, 1)

	// Resolved set carries the machine's rule and the inherited department rule.
	require.Len(t, res.Resolved, 2)
	assert.Equal(t, 8080, res.Resolved[0].DstPortStart)
	assert.Equal(t, policy.ActionAccept, res.Resolved[0].Action)
	assert.Equal(t, 23, res.Resolved[1].DstPortStart)
	assert.Equal(t, policy.ActionDrop, res.Resolved[1].Action)

	// The caller-visible view distinguishes own rules from inherited policy.
	assert.Len(t, res.CustomRules, 1)
	assert.Empty(t, res.AppliedTemplates)
	require.NotNil(t, res.LastSync, "successful sync stamps the result")

	// The vm filter exists now and the enforcement layer got the full set.
	own, err := e.MachineRules(ctx, alice, machineID)
	require.NoError(t, err)
	assert.Len(t, own, 1)
	assert.Equal(t, 1, driver.FlushCount)
}

func TestPortRangeExpandsToOneRulePerPort(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, machineID := seed(t, e)

	res, err := e.CreatePortRangeRule(ctx, alice, machineID,
		RuleRequest{Action: "accept", Direction: "in", Priority: 200, Protocol: "tcp"}, 8000, 8002)
	require.NoError(t, err)
	assert.Len(t, res.RuleIDs, 3)

	own, err := e.MachineRules(ctx, alice, machineID)
	require.NoError(t, err)
	require.Len(t, own, 3)
	for i, r := range own {
		assert.Equal(t, 8000+i, r.DstPortStart)
		assert.Equal(t, r.DstPortStart, r.DstPortEnd)
	}
}

func TestValidationRejectsWithoutClamping(t *testing.T) {
	e, driver, _ := newTestEngine(t)
	ctx := context.Background()
	_, machineID := seed(t, e)

	cases := []RuleRequest{
		singlePort("accept", 100, 70000),
		{Action: "accept", Direction: "in", Priority: 100, Protocol: "tcp", PortType: "RANGE", PortValue: "9000-8000"},
		{Action: "allow", Direction: "in", Priority: 100, Protocol: "tcp"},
		{Action: "accept", Direction: "in", Priority: 5000, Protocol: "tcp"},
		{Action: "accept", Direction: "sideways", Priority: 100, Protocol: "tcp"},
	}
	for _, req := range cases {
		_, err := e.CreateAdvancedFirewallRule(ctx, alice, machineID, req)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "request %+v must be rejected", req)
	}

	// Nothing persisted, nothing synced.
	own, err := e.MachineRules(ctx, alice, machineID)
	require.NoError(t, err)
	assert.Empty(t, own)
	assert.Equal(t, 0, driver.FlushCount)
}

func TestRuleCasingNormalizedOnWrite(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, machineID := seed(t, e)

	// Same rule twice, differing only in casing. Both must persist in the
	// canonical lowercase form and register as exact duplicates.
	_, err := e.AddRules(ctx, alice, machineID, []RuleRequest{
		{Action: "accept", Direction: "in", Priority: 100, Protocol: "tcp", PortType: "SINGLE", PortValue: "80"},
		{Action: "ACCEPT", Direction: "IN", Priority: 100, Protocol: "TCP", PortType: "SINGLE", PortValue: "80"},
	})
	require.NoError(t, err)

	own, err := e.MachineRules(ctx, alice, machineID)
	require.NoError(t, err)
	require.Len(t, own, 2)
	for _, r := range own {
		assert.Equal(t, policy.ActionAccept, r.Action)
		assert.Equal(t, policy.DirectionIn, r.Direction)
		assert.Equal(t, "tcp", r.Protocol)
	}
	assert.Equal(t, own[0].SelectorKey(), own[1].SelectorKey())

	analysis, err := e.AnalyzeMachine(ctx, alice, machineID)
	require.NoError(t, err)
	assert.Equal(t, 1, analysis.Duplicates)
}

func TestRestoreNormalizesRuleCasing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, machineID := seed(t, e)

	_, err := e.CreateAdvancedFirewallRule(ctx, alice, machineID, singlePort("accept", 100, 443))
	require.NoError(t, err)
	backup, err := e.BackupMachine(ctx, alice, machineID, "", "json")
	require.NoError(t, err)

	// A hand-edited payload may carry uppercase fields; merge must still
	// recognize the stored lowercase rule as the same one.
	res, err := e.RestoreBackup(ctx, alice, machineID, backup.ID, RestoreMerge)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Restored)

	uppercased, err := validateBackupRule("f1", backupRule{
		Action: "DROP", Direction: "OUT", Priority: 100, Protocol: "UDP",
	})
	require.NoError(t, err)
	assert.Equal(t, policy.ActionDrop, uppercased.Action)
	assert.Equal(t, policy.DirectionOut, uppercased.Direction)
	assert.Equal(t, "udp", uppercased.Protocol)
}

func TestMachineAccessMergesNotFoundAndDenied(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, machineID := seed(t, e)

	_, errForeign := e.CreateAdvancedFirewallRule(ctx, bob, machineID, singlePort("accept", 100, 80))
	_, errMissing := e.CreateAdvancedFirewallRule(ctx, bob, "no-such-machine", singlePort("accept", 100, 80))

	assert.ErrorIs(t, errForeign, ErrNotFoundOrDenied)
	assert.ErrorIs(t, errMissing, ErrNotFoundOrDenied)
	assert.Equal(t, errForeign.Error(), errMissing.Error(), "existence must not leak through error text")
}

func TestSyncFailureDoesNotRollBackPolicy(t *testing.T) {
	e, driver, _ := newTestEngine(t)
	ctx := context.Background()
	_, machineID := seed(t, e)
	driver.FailFlush = true

	res, err := e.CreateAdvancedFirewallRule(ctx, alice, machineID, singlePort("accept", 100, 443))
	require.NoError(t, err, "mutation must succeed despite sync failure")
	require.Len(t, res.ServiceErrors, 1)
	assert.Equal(t, "enforcement", res.ServiceErrors[0].Service)
	assert.NotEmpty(t, res.ServiceErrors[0].Recovery)
	assert.Len(t, res.Resolved, 1)
	assert.Nil(t, res.LastSync, "failed sync must not stamp the result")

	// Committed data survives the degraded sync.
	own, err := e.MachineRules(ctx, alice, machineID)
	require.NoError(t, err)
	assert.Len(t, own, 1)

	// Next mutation with a healthy driver syncs the full set.
	driver.FailFlush = false
	res, err = e.CreateAdvancedFirewallRule(ctx, alice, machineID, singlePort("accept", 200, 444))
	require.NoError(t, err)
	assert.Empty(t, res.ServiceErrors)
}

func TestApplyTemplate(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	deptID, machineID := seed(t, e)

	tpl, err := e.CreateTemplate(ctx, admin, "web-baseline", []RuleRequest{
		singlePort("accept", 300, 80),
		singlePort("accept", 300, 443),
	})
	require.NoError(t, err)

	res, err := e.ApplyTemplate(ctx, admin, tpl.ID, deptID)
	require.NoError(t, err)
	assert.Len(t, res.Resolved, 2)

	// A machine rule now resolves against vm + department + template, and the
	// template shows up in the caller-visible view.
	mres, err := e.CreateAdvancedFirewallRule(ctx, alice, machineID, singlePort("accept", 100, 8080))
	require.NoError(t, err)
	assert.Len(t, mres.Resolved, 3)
	require.Len(t, mres.AppliedTemplates, 1)
	assert.Equal(t, tpl.ID, mres.AppliedTemplates[0].ID)

	// Unlinking the template removes its contribution.
	res, err = e.RemoveTemplate(ctx, admin, tpl.ID, deptID)
	require.NoError(t, err)
	assert.Empty(t, res.Resolved)

	effective, err := e.EffectiveRules(ctx, alice, machineID)
	require.NoError(t, err)
	assert.Len(t, effective, 1)
}

func TestApplyTemplateRequiresAdmin(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	deptID, _ := seed(t, e)

	tpl, err := e.CreateTemplate(ctx, admin, "baseline", nil)
	require.NoError(t, err)

	_, err = e.ApplyTemplate(ctx, alice, tpl.ID, deptID)
	assert.ErrorIs(t, err, ErrAdminRequired)
}

func TestApplyTemplateCycleRejectedAtomically(t *testing.T) {
	e, _, s := newTestEngine(t)
	ctx := context.Background()
	deptID, _ := seed(t, e)

	tpl, err := e.CreateTemplate(ctx, admin, "baseline", []RuleRequest{singlePort("accept", 300, 80)})
	require.NoError(t, err)

	// Materialize the department filter, then wire the template back to it so
	// the pending application would close a cycle.
	_, err = e.AddDepartmentRule(ctx, admin, deptID, singlePort("drop", 900, 23))
	require.NoError(t, err)

	var deptFilterID string
	var refsBefore int
	require.NoError(t, s.RunInTransaction(ctx, func(tx *store.Tx) error {
		d, err := tx.DepartmentByID(deptID)
		if err != nil {
			return err
		}
		deptFilterID = d.FilterID
		return tx.CreateReference(tpl.ID, deptFilterID)
	}))
	require.NoError(t, s.View(ctx, func(tx *store.Tx) error {
		var err error
		refsBefore, err = tx.CountReferences()
		return err
	}))

	_, err = e.ApplyTemplate(ctx, admin, tpl.ID, deptID)
	assert.ErrorIs(t, err, ErrCircularDependency)

	// The rejected application left the graph untouched.
	require.NoError(t, s.View(ctx, func(tx *store.Tx) error {
		refsAfter, err := tx.CountReferences()
		require.NoError(t, err)
		assert.Equal(t, refsBefore, refsAfter)
		return nil
	}))
}

func TestRemoveRule(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, machineID := seed(t, e)

	res, err := e.CreateAdvancedFirewallRule(ctx, alice, machineID, singlePort("accept", 100, 8080))
	require.NoError(t, err)
	ruleID := res.RuleIDs[0]

	removed, err := e.RemoveRule(ctx, alice, machineID, ruleID)
	require.NoError(t, err)
	assert.Empty(t, removed.Resolved)

	_, err = e.RemoveRule(ctx, alice, machineID, "no-such-rule")
	assert.ErrorIs(t, err, ErrNotFoundOrDenied)
}

func TestRemoveRuleCannotTouchInheritedRules(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	deptID, machineID := seed(t, e)

	dres, err := e.AddDepartmentRule(ctx, admin, deptID, singlePort("drop", 900, 23))
	require.NoError(t, err)
	require.Len(t, dres.Resolved, 1)
	deptRuleID := dres.Resolved[0].ID

	// Materialize the vm filter, then try to delete the department's rule
	// through the machine.
	_, err = e.CreateAdvancedFirewallRule(ctx, alice, machineID, singlePort("accept", 100, 8080))
	require.NoError(t, err)

	_, err = e.RemoveRule(ctx, alice, machineID, deptRuleID)
	assert.ErrorIs(t, err, ErrNotFoundOrDenied)
}

func TestBackupAndRestore(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, machineID := seed(t, e)

	_, err := e.AddRules(ctx, alice, machineID, []RuleRequest{
		singlePort("accept", 100, 80),
		singlePort("accept", 100, 443),
	})
	require.NoError(t, err)

	backup, err := e.BackupMachine(ctx, alice, machineID, "before upgrade", "json")
	require.NoError(t, err)
	assert.Equal(t, 2, backup.RuleCount)
	assert.NotEmpty(t, backup.ConfigHash)

	// Drift: one more rule after the snapshot.
	_, err = e.CreateAdvancedFirewallRule(ctx, alice, machineID, singlePort("drop", 500, 23))
	require.NoError(t, err)

	res, err := e.RestoreBackup(ctx, alice, machineID, backup.ID, RestoreReplaceAll)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Restored)
	assert.Empty(t, res.Skipped)

	own, err := e.MachineRules(ctx, alice, machineID)
	require.NoError(t, err)
	require.Len(t, own, 2)
	assert.Equal(t, 80, own[0].DstPortStart)
	assert.Equal(t, 443, own[1].DstPortStart)

	list, err := e.ListBackups(ctx, alice, machineID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRestoreMergeSkipsDuplicates(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, machineID := seed(t, e)

	_, err := e.AddRules(ctx, alice, machineID, []RuleRequest{
		singlePort("accept", 100, 80),
		singlePort("accept", 100, 443),
	})
	require.NoError(t, err)

	backup, err := e.BackupMachine(ctx, alice, machineID, "", "yaml")
	require.NoError(t, err)
	assert.Equal(t, "yaml", backup.Format)

	res, err := e.RestoreBackup(ctx, alice, machineID, backup.ID, RestoreMerge)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Restored, "merge must not duplicate identical rules")

	own, err := e.MachineRules(ctx, alice, machineID)
	require.NoError(t, err)
	assert.Len(t, own, 2)
}

func TestRestoreForeignBackupDenied(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	deptID, machineID := seed(t, e)

	other, err := e.CreateMachine(ctx, admin, "db-1", bob.UserID, deptID)
	require.NoError(t, err)
	_, err = e.CreateAdvancedFirewallRule(ctx, bob, other.ID, singlePort("accept", 100, 5432))
	require.NoError(t, err)
	backup, err := e.BackupMachine(ctx, bob, other.ID, "", "json")
	require.NoError(t, err)

	_, err = e.RestoreBackup(ctx, alice, machineID, backup.ID, RestoreReplaceAll)
	assert.ErrorIs(t, err, ErrNotFoundOrDenied)
}

func TestOptimizeMachineDryRunAndApply(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, machineID := seed(t, e)

	_, err := e.AddRules(ctx, alice, machineID, []RuleRequest{
		singlePort("accept", 200, 8000),
		singlePort("accept", 200, 8001),
		singlePort("accept", 200, 8002),
		singlePort("accept", 200, 8000), // exact duplicate
		singlePort("drop", 500, 23),
	})
	require.NoError(t, err)

	// Dry run reports without changing anything.
	res, svcErrs, err := e.OptimizeMachine(ctx, alice, machineID, "first_match", false)
	require.NoError(t, err)
	assert.Empty(t, svcErrs)
	assert.Equal(t, 1, res.Summary.DuplicatesRemoved)
	assert.Equal(t, 1, res.Summary.RangesConsolidated)
	assert.NotEmpty(t, res.Diff)

	own, err := e.MachineRules(ctx, alice, machineID)
	require.NoError(t, err)
	assert.Len(t, own, 5, "dry run must not modify stored rules")

	// Apply persists the reduced set.
	res, _, err = e.OptimizeMachine(ctx, alice, machineID, "first_match", true)
	require.NoError(t, err)
	require.Len(t, res.OptimizedRules, 2)

	own, err = e.MachineRules(ctx, alice, machineID)
	require.NoError(t, err)
	require.Len(t, own, 2)
	assert.Equal(t, 8000, own[0].DstPortStart)
	assert.Equal(t, 8002, own[0].DstPortEnd)
	assert.Equal(t, 23, own[1].DstPortStart)
}

func TestFlushToAllVMsBestEffort(t *testing.T) {
	e, driver, _ := newTestEngine(t)
	ctx := context.Background()
	deptID, machineID := seed(t, e)

	other, err := e.CreateMachine(ctx, admin, "web-2", alice.UserID, deptID)
	require.NoError(t, err)

	_, err = e.CreateAdvancedFirewallRule(ctx, alice, machineID, singlePort("accept", 100, 80))
	require.NoError(t, err)
	_, err = e.CreateAdvancedFirewallRule(ctx, alice, other.ID, singlePort("accept", 100, 81))
	require.NoError(t, err)

	driver.FailFlush = true
	svcErrs, err := e.FlushToAllVMs(ctx, admin, deptID)
	require.NoError(t, err, "per-machine failures must not fail the flush")
	assert.Len(t, svcErrs, 2, "every machine is attempted")

	driver.FailFlush = false
	svcErrs, err = e.FlushToAllVMs(ctx, admin, deptID)
	require.NoError(t, err)
	assert.Empty(t, svcErrs)
}

type recordingNotifier struct {
	admin []string
	user  []string
}

func (n *recordingNotifier) SendToUser(userID, eventType, title, message string) {
	n.user = append(n.user, userID+":"+eventType)
}

func (n *recordingNotifier) SendToAdmins(eventType, title, message, level string) {
	n.admin = append(n.admin, eventType)
}

func TestApplyTemplateNotifiesAdmins(t *testing.T) {
	opts := store.DefaultOptions(":memory:")
	opts.Clock = clock.NewMockClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	s, err := store.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	notifier := &recordingNotifier{}
	e := New(Options{
		Store:    s,
		Driver:   enforce.NewMockDriver(),
		Notifier: notifier,
		Logger:   logging.New(logging.Config{Level: logging.LevelError}),
		Clock:    opts.Clock,
		Retry:    enforce.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffFactor: 1},
	})
	ctx := context.Background()
	deptID, _ := seed(t, e)

	tpl, err := e.CreateTemplate(ctx, admin, "baseline", nil)
	require.NoError(t, err)
	_, err = e.ApplyTemplate(ctx, admin, tpl.ID, deptID)
	require.NoError(t, err)

	require.Len(t, notifier.admin, 1)
	assert.Equal(t, "template.applied", notifier.admin[0])
}

func TestSyncFailureNotifiesMachineOwner(t *testing.T) {
	opts := store.DefaultOptions(":memory:")
	opts.Clock = clock.NewMockClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	s, err := store.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	notifier := &recordingNotifier{}
	driver := enforce.NewMockDriver()
	e := New(Options{
		Store:    s,
		Driver:   driver,
		Notifier: notifier,
		Logger:   logging.New(logging.Config{Level: logging.LevelError}),
		Clock:    opts.Clock,
		Retry:    enforce.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffFactor: 1},
	})
	ctx := context.Background()
	_, machineID := seed(t, e)

	driver.FailFlush = true
	res, err := e.CreateAdvancedFirewallRule(ctx, alice, machineID, singlePort("accept", 100, 443))
	require.NoError(t, err)
	require.NotEmpty(t, res.ServiceErrors)

	require.Len(t, notifier.user, 1)
	assert.Equal(t, "alice:sync.failed", notifier.user[0])

	// Healthy sync stays quiet.
	driver.FailFlush = false
	_, err = e.CreateAdvancedFirewallRule(ctx, alice, machineID, singlePort("accept", 200, 444))
	require.NoError(t, err)
	assert.Len(t, notifier.user, 1)
}

func TestGetDepartmentRules(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	deptID, _ := seed(t, e)

	_, err := e.AddDepartmentRule(ctx, admin, deptID, singlePort("drop", 900, 23))
	require.NoError(t, err)

	rules, err := e.GetDepartmentRules(ctx, admin, deptID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 23, rules[0].DstPortStart)

	_, err = e.GetDepartmentRules(ctx, alice, deptID)
	assert.ErrorIs(t, err, ErrAdminRequired)
}

func TestGetDepartmentState(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	deptID, _ := seed(t, e)

	tpl, err := e.CreateTemplate(ctx, admin, "baseline", []RuleRequest{singlePort("accept", 300, 22)})
	require.NoError(t, err)
	_, err = e.ApplyTemplate(ctx, admin, tpl.ID, deptID)
	require.NoError(t, err)

	state, err := e.GetDepartmentState(ctx, admin, deptID)
	require.NoError(t, err)
	assert.Equal(t, "engineering", state.Department.Name)
	require.NotNil(t, state.Filter)
	require.Len(t, state.Templates, 1)
	assert.Equal(t, tpl.ID, state.Templates[0].ID)
	assert.Len(t, state.Machines, 1)
	assert.Len(t, state.Resolved, 1)
}
