// Package store is the policy entity store: transactional CRUD for filters,
// rules, filter references, departments, machines and backups on SQLite.
//
// All mutations run through RunInTransaction, which gives the caller a Tx
// with typed accessors and a consistent snapshot; the resolver reads through
// the same Tx so a mutation and the effective state it returns never
// disagree. Concurrent writers are serialized by the single SQLite
// connection, matching the engine's "store-level write sequencing" model.
//
// The driver is modernc.org/sqlite (pure Go, no CGO) with WAL mode.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/stackhaven/warden/internal/clock"
	"github.com/stackhaven/warden/internal/logging"
	"github.com/stackhaven/warden/internal/policy"
)

// Common errors
var (
	ErrNotFound    = errors.New("entity not found")
	ErrDuplicate   = errors.New("entity already exists")
	ErrStoreClosed = errors.New("store is closed")
)

// Options configures the SQLite store.
type Options struct {
	Path    string // Database file path (":memory:" for in-memory)
	WALMode bool   // Enable WAL mode for better concurrency
	Clock   clock.Clock
	Logger  *logging.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:    path,
		WALMode: true,
	}
}

// Store is the SQLite-backed entity store.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	clock  clock.Clock
	log    *logging.Logger
}

// Open opens (creating if necessary) the entity database.
func Open(opts Options) (*Store, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps the in-memory DSN
	// from producing multiple independent databases.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma %q: %w", p, err)
		}
	}

	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("store")
	}

	s := &Store{db: db, clock: clk, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS filters (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			internal_name TEXT NOT NULL,
			enforcement_uuid TEXT,
			kind TEXT NOT NULL,
			chain TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			state_match INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			filter_id TEXT NOT NULL,
			action TEXT NOT NULL,
			direction TEXT NOT NULL,
			priority INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			dst_port_start INTEGER NOT NULL DEFAULT 0,
			dst_port_end INTEGER NOT NULL DEFAULT 0,
			src_port_start INTEGER NOT NULL DEFAULT 0,
			src_port_end INTEGER NOT NULL DEFAULT 0,
			src_ip TEXT, src_mask TEXT,
			dst_ip TEXT, dst_mask TEXT,
			state TEXT,
			comment TEXT,
			FOREIGN KEY (filter_id) REFERENCES filters(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS filter_refs (
			source_filter_id TEXT NOT NULL,
			target_filter_id TEXT NOT NULL,
			PRIMARY KEY (source_filter_id, target_filter_id),
			FOREIGN KEY (source_filter_id) REFERENCES filters(id) ON DELETE CASCADE,
			FOREIGN KEY (target_filter_id) REFERENCES filters(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS departments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			filter_id TEXT REFERENCES filters(id) ON DELETE SET NULL
		);

		CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			department_id TEXT NOT NULL REFERENCES departments(id),
			filter_id TEXT REFERENCES filters(id) ON DELETE SET NULL
		);

		CREATE TABLE IF NOT EXISTS backups (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL REFERENCES machines(id),
			description TEXT,
			format TEXT NOT NULL,
			config_hash TEXT NOT NULL,
			rule_count INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rules_filter ON rules(filter_id);
		CREATE INDEX IF NOT EXISTS idx_refs_target ON filter_refs(target_filter_id);
		CREATE INDEX IF NOT EXISTS idx_machines_department ON machines(department_id);
		CREATE INDEX IF NOT EXISTS idx_backups_machine ON backups(machine_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RunInTransaction executes fn inside one SQLite transaction. Any error
// (including the cycle check's) rolls back every write fn made.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	tx := &Tx{tx: sqlTx, clock: s.clock}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// View runs fn in a read-only snapshot. It is a plain transaction underneath;
// callers must not write through it.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return s.RunInTransaction(ctx, fn)
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Tx is one transactional view over the entity tables. It satisfies
// policy.View so the resolver can read through the mutation's own snapshot.
type Tx struct {
	tx    *sql.Tx
	clock clock.Clock
}

var _ policy.View = (*Tx)(nil)

// --- Filters ---

// CreateFilter inserts a filter, assigning an id and creation time if unset.
func (t *Tx) CreateFilter(f *policy.Filter) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = t.clock.Now().UTC()
	}
	_, err := t.tx.Exec(`
		INSERT INTO filters (id, name, internal_name, enforcement_uuid, kind, chain, priority, state_match, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.Name, f.InternalName, f.EnforcementUUID, string(f.Kind), f.Chain, f.Priority, f.StateMatch, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create filter %s: %w", f.Name, err)
	}
	return nil
}

func scanFilter(row interface{ Scan(...any) error }) (*policy.Filter, error) {
	var f policy.Filter
	var kind string
	var enfUUID, chain sql.NullString
	err := row.Scan(&f.ID, &f.Name, &f.InternalName, &enfUUID, &kind, &chain, &f.Priority, &f.StateMatch, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Kind = policy.FilterKind(kind)
	f.EnforcementUUID = enfUUID.String
	f.Chain = chain.String
	return &f, nil
}

const filterCols = "id, name, internal_name, enforcement_uuid, kind, chain, priority, state_match, created_at"

// FilterByID returns the filter with the given id.
func (t *Tx) FilterByID(id string) (*policy.Filter, error) {
	return scanFilter(t.tx.QueryRow("SELECT "+filterCols+" FROM filters WHERE id = ?", id))
}

// FilterByName returns the filter with the given stable name.
func (t *Tx) FilterByName(name string) (*policy.Filter, error) {
	return scanFilter(t.tx.QueryRow("SELECT "+filterCols+" FROM filters WHERE name = ?", name))
}

// UpdateFilter persists mutable filter fields.
func (t *Tx) UpdateFilter(f *policy.Filter) error {
	res, err := t.tx.Exec(`
		UPDATE filters SET name = ?, internal_name = ?, enforcement_uuid = ?, chain = ?, priority = ?, state_match = ?
		WHERE id = ?
	`, f.Name, f.InternalName, f.EnforcementUUID, f.Chain, f.Priority, f.StateMatch, f.ID)
	if err != nil {
		return fmt.Errorf("update filter %s: %w", f.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFilter removes a filter; rules and references cascade.
func (t *Tx) DeleteFilter(id string) error {
	res, err := t.tx.Exec("DELETE FROM filters WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete filter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilters returns filters of the given kind, or all when kind is empty,
// ordered by their own priority then name.
func (t *Tx) ListFilters(kind policy.FilterKind) ([]policy.Filter, error) {
	query := "SELECT " + filterCols + " FROM filters"
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY priority, name"

	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Filter
	for rows.Next() {
		f, err := scanFilter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// --- Rules ---

const ruleCols = `id, filter_id, action, direction, priority, protocol,
	dst_port_start, dst_port_end, src_port_start, src_port_end,
	src_ip, src_mask, dst_ip, dst_mask, state, comment`

// CreateRule inserts a rule, assigning an id if unset.
func (t *Tx) CreateRule(r *policy.Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(`
		INSERT INTO rules (`+ruleCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.FilterID, string(r.Action), string(r.Direction), r.Priority, r.Protocol,
		r.DstPortStart, r.DstPortEnd, r.SrcPortStart, r.SrcPortEnd,
		r.SrcIP, r.SrcMask, r.DstIP, r.DstMask, r.State, r.Comment)
	if err != nil {
		return fmt.Errorf("create rule in filter %s: %w", r.FilterID, err)
	}
	return nil
}

func scanRule(row interface{ Scan(...any) error }) (*policy.Rule, error) {
	var r policy.Rule
	var action, direction string
	var srcIP, srcMask, dstIP, dstMask, state, comment sql.NullString
	err := row.Scan(&r.ID, &r.FilterID, &action, &direction, &r.Priority, &r.Protocol,
		&r.DstPortStart, &r.DstPortEnd, &r.SrcPortStart, &r.SrcPortEnd,
		&srcIP, &srcMask, &dstIP, &dstMask, &state, &comment)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Action = policy.Action(action)
	r.Direction = policy.Direction(direction)
	r.SrcIP, r.SrcMask = srcIP.String, srcMask.String
	r.DstIP, r.DstMask = dstIP.String, dstMask.String
	r.State, r.Comment = state.String, comment.String
	return &r, nil
}

// RuleByID returns a single rule.
func (t *Tx) RuleByID(id string) (*policy.Rule, error) {
	return scanRule(t.tx.QueryRow("SELECT "+ruleCols+" FROM rules WHERE id = ?", id))
}

// RulesOf returns the rules owned directly by the filter, ordered ascending
// by priority with insertion order breaking ties (rowid is insertion order).
func (t *Tx) RulesOf(filterID string) ([]policy.Rule, error) {
	rows, err := t.tx.Query("SELECT "+ruleCols+" FROM rules WHERE filter_id = ? ORDER BY priority, rowid", filterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteRule removes one rule.
func (t *Tx) DeleteRule(id string) error {
	res, err := t.tx.Exec("DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRulesOf removes every rule of a filter and reports how many went.
func (t *Tx) DeleteRulesOf(filterID string) (int, error) {
	res, err := t.tx.Exec("DELETE FROM rules WHERE filter_id = ?", filterID)
	if err != nil {
		return 0, fmt.Errorf("delete rules of filter %s: %w", filterID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Filter references ---

// CreateReference inserts an inheritance edge.
func (t *Tx) CreateReference(sourceID, targetID string) error {
	_, err := t.tx.Exec(
		"INSERT INTO filter_refs (source_filter_id, target_filter_id) VALUES (?, ?)",
		sourceID, targetID)
	if err != nil {
		return fmt.Errorf("create reference %s -> %s: %w", sourceID, targetID, err)
	}
	return nil
}

// DeleteReference removes an inheritance edge.
func (t *Tx) DeleteReference(sourceID, targetID string) error {
	res, err := t.tx.Exec(
		"DELETE FROM filter_refs WHERE source_filter_id = ? AND target_filter_id = ?",
		sourceID, targetID)
	if err != nil {
		return fmt.Errorf("delete reference %s -> %s: %w", sourceID, targetID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReferencesFrom returns the outgoing edges of a filter.
func (t *Tx) ReferencesFrom(filterID string) ([]policy.FilterReference, error) {
	return t.queryRefs("SELECT source_filter_id, target_filter_id FROM filter_refs WHERE source_filter_id = ? ORDER BY rowid", filterID)
}

// ReferencesTo returns the incoming edges of a filter.
func (t *Tx) ReferencesTo(filterID string) ([]policy.FilterReference, error) {
	return t.queryRefs("SELECT source_filter_id, target_filter_id FROM filter_refs WHERE target_filter_id = ? ORDER BY rowid", filterID)
}

func (t *Tx) queryRefs(query, arg string) ([]policy.FilterReference, error) {
	rows, err := t.tx.Query(query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.FilterReference
	for rows.Next() {
		var ref policy.FilterReference
		if err := rows.Scan(&ref.SourceFilterID, &ref.TargetFilterID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// CountReferences returns the total number of reference rows. The template
// service uses it to verify that a rejected apply left the graph untouched.
func (t *Tx) CountReferences() (int, error) {
	var n int
	err := t.tx.QueryRow("SELECT COUNT(*) FROM filter_refs").Scan(&n)
	return n, err
}

// --- Departments ---

// CreateDepartment inserts a department, assigning an id if unset.
func (t *Tx) CreateDepartment(d *policy.Department) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	var filterID any
	if d.FilterID != "" {
		filterID = d.FilterID
	}
	_, err := t.tx.Exec("INSERT INTO departments (id, name, filter_id) VALUES (?, ?, ?)", d.ID, d.Name, filterID)
	if err != nil {
		return fmt.Errorf("create department %s: %w", d.Name, err)
	}
	return nil
}

// DepartmentByID returns a department.
func (t *Tx) DepartmentByID(id string) (*policy.Department, error) {
	var d policy.Department
	var filterID sql.NullString
	err := t.tx.QueryRow("SELECT id, name, filter_id FROM departments WHERE id = ?", id).
		Scan(&d.ID, &d.Name, &filterID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.FilterID = filterID.String
	return &d, nil
}

// UpdateDepartment persists the department's filter binding.
func (t *Tx) UpdateDepartment(d *policy.Department) error {
	var filterID any
	if d.FilterID != "" {
		filterID = d.FilterID
	}
	res, err := t.tx.Exec("UPDATE departments SET name = ?, filter_id = ? WHERE id = ?", d.Name, filterID, d.ID)
	if err != nil {
		return fmt.Errorf("update department %s: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Machines ---

// CreateMachine inserts a machine, assigning an id if unset.
func (t *Tx) CreateMachine(m *policy.Machine) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	var filterID any
	if m.FilterID != "" {
		filterID = m.FilterID
	}
	_, err := t.tx.Exec(
		"INSERT INTO machines (id, name, owner_id, department_id, filter_id) VALUES (?, ?, ?, ?, ?)",
		m.ID, m.Name, m.OwnerID, m.DepartmentID, filterID)
	if err != nil {
		return fmt.Errorf("create machine %s: %w", m.Name, err)
	}
	return nil
}

// MachineByID returns a machine.
func (t *Tx) MachineByID(id string) (*policy.Machine, error) {
	var m policy.Machine
	var filterID sql.NullString
	err := t.tx.QueryRow("SELECT id, name, owner_id, department_id, filter_id FROM machines WHERE id = ?", id).
		Scan(&m.ID, &m.Name, &m.OwnerID, &m.DepartmentID, &filterID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.FilterID = filterID.String
	return &m, nil
}

// UpdateMachine persists the machine's filter binding.
func (t *Tx) UpdateMachine(m *policy.Machine) error {
	var filterID any
	if m.FilterID != "" {
		filterID = m.FilterID
	}
	res, err := t.tx.Exec(
		"UPDATE machines SET name = ?, owner_id = ?, department_id = ?, filter_id = ? WHERE id = ?",
		m.Name, m.OwnerID, m.DepartmentID, filterID, m.ID)
	if err != nil {
		return fmt.Errorf("update machine %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MachinesOfDepartment lists the department's machines ordered by name.
func (t *Tx) MachinesOfDepartment(departmentID string) ([]policy.Machine, error) {
	rows, err := t.tx.Query(
		"SELECT id, name, owner_id, department_id, filter_id FROM machines WHERE department_id = ? ORDER BY name",
		departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Machine
	for rows.Next() {
		var m policy.Machine
		var filterID sql.NullString
		if err := rows.Scan(&m.ID, &m.Name, &m.OwnerID, &m.DepartmentID, &filterID); err != nil {
			return nil, err
		}
		m.FilterID = filterID.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Backups ---

// Backup is one stored firewall configuration snapshot for a machine.
type Backup struct {
	ID          string    `json:"id"`
	MachineID   string    `json:"machineId"`
	Description string    `json:"description,omitempty"`
	Format      string    `json:"format"`
	ConfigHash  string    `json:"configHash"`
	RuleCount   int       `json:"ruleCount"`
	Payload     []byte    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SaveBackup inserts a backup row, assigning an id and timestamp if unset.
func (t *Tx) SaveBackup(b *Backup) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = t.clock.Now().UTC()
	}
	_, err := t.tx.Exec(`
		INSERT INTO backups (id, machine_id, description, format, config_hash, rule_count, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.MachineID, b.Description, b.Format, b.ConfigHash, b.RuleCount, b.Payload, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("save backup for machine %s: %w", b.MachineID, err)
	}
	return nil
}

// BackupByID returns a stored backup.
func (t *Tx) BackupByID(id string) (*Backup, error) {
	var b Backup
	var desc sql.NullString
	err := t.tx.QueryRow(`
		SELECT id, machine_id, description, format, config_hash, rule_count, payload, created_at
		FROM backups WHERE id = ?
	`, id).Scan(&b.ID, &b.MachineID, &desc, &b.Format, &b.ConfigHash, &b.RuleCount, &b.Payload, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Description = desc.String
	return &b, nil
}

// BackupsOfMachine lists a machine's backups, newest first.
func (t *Tx) BackupsOfMachine(machineID string) ([]Backup, error) {
	rows, err := t.tx.Query(`
		SELECT id, machine_id, description, format, config_hash, rule_count, payload, created_at
		FROM backups WHERE machine_id = ? ORDER BY created_at DESC
	`, machineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		var b Backup
		var desc sql.NullString
		if err := rows.Scan(&b.ID, &b.MachineID, &desc, &b.Format, &b.ConfigHash, &b.RuleCount, &b.Payload, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Description = desc.String
		out = append(out, b)
	}
	return out, rows.Err()
}
