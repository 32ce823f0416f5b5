package machine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// timestampLayout is fixed width so text comparison in SQL orders by time.
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using the machines, machine_status and
// machine_history tables.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite machine store.
//
// Parameters:
//   - db: Open SQLite connection with the machine schema migrated
//
// Returns:
//   - *SQLiteStore: Store instance ready for use
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// formatTimestamp renders t in the fixed-width UTC storage format.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// parseTimestamp parses a stored timestamp.
func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}

// SeedMachines inserts or renames the given machines in one transaction.
// Machines missing from the list are left untouched.
func (s *SQLiteStore) SeedMachines(ctx context.Context, machines []Machine) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "seed", Err: fmt.Errorf("beginning transaction: %w", err)}
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := formatTimestamp(s.now())
	for _, m := range machines {
		if m.Code == "" {
			return &PersistenceError{Op: "seed", Err: ErrInvalidMachineCode}
		}
		name := m.DisplayName
		if name == "" {
			name = m.Code
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO machines (machine_code, display_name, created_at, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (machine_code) DO UPDATE SET
			     display_name = excluded.display_name,
			     updated_at = excluded.updated_at
			 WHERE machines.display_name != excluded.display_name`,
			m.Code, name, now, now,
		)
		if err != nil {
			return &PersistenceError{Op: "seed", MachineCode: m.Code, Err: fmt.Errorf("upserting machine: %w", err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "seed", Err: fmt.Errorf("committing: %w", err)}
	}
	return nil
}

// ListMachines returns every known machine ordered by code.
func (s *SQLiteStore) ListMachines(ctx context.Context) ([]Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT machine_code, display_name FROM machines ORDER BY machine_code`)
	if err != nil {
		return nil, fmt.Errorf("querying machines: %w", err)
	}
	defer rows.Close()

	var machines []Machine
	for rows.Next() {
		var m Machine
		if err := rows.Scan(&m.Code, &m.DisplayName); err != nil {
			return nil, fmt.Errorf("scanning machine: %w", err)
		}
		machines = append(machines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating machines: %w", err)
	}
	return machines, nil
}

// LookupDisplayName returns the machine's configured display name.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - machineCode: Machine code as carried on the wire
//
// Returns:
//   - string: Display name, or UnknownMachineName when the machine is not seeded
//   - error: PersistenceError on query failure
func (s *SQLiteStore) LookupDisplayName(ctx context.Context, machineCode string) (string, error) {
	if machineCode == "" {
		return "", &PersistenceError{Op: "lookup", Err: ErrInvalidMachineCode}
	}

	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT display_name FROM machines WHERE machine_code = ?",
		machineCode,
	).Scan(&name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return UnknownMachineName, nil
	case err != nil:
		return "", &PersistenceError{Op: "lookup", MachineCode: machineCode, Err: err}
	}
	return name, nil
}

// UpsertStatus writes the machine's current status.
//
// The row is only replaced when capturedAt is not older than the stored
// capture time, so replaying an old message cannot roll the status back.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - machineCode: Machine code
//   - displayName: Name resolved by LookupDisplayName
//   - f: Decoded fields
//   - capturedAt: Capture time from the message
//
// Returns:
//   - error: PersistenceError on failure
func (s *SQLiteStore) UpsertStatus(ctx context.Context, machineCode, displayName string, f Fields, capturedAt time.Time) error {
	if machineCode == "" {
		return &PersistenceError{Op: "upsert status", Err: ErrInvalidMachineCode}
	}

	regs, err := marshalRegisters(f.Registers)
	if err != nil {
		return &PersistenceError{Op: "upsert status", MachineCode: machineCode, Err: err}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO machine_status
		     (machine_code, display_name, status_code, operation_name, counter, registers, captured_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (machine_code) DO UPDATE SET
		     display_name = excluded.display_name,
		     status_code = excluded.status_code,
		     operation_name = excluded.operation_name,
		     counter = excluded.counter,
		     registers = excluded.registers,
		     captured_at = excluded.captured_at,
		     updated_at = excluded.updated_at
		 WHERE excluded.captured_at >= machine_status.captured_at`,
		machineCode,
		displayName,
		f.StatusCode,
		f.OperationName,
		f.Counter,
		regs,
		formatTimestamp(capturedAt),
		formatTimestamp(s.now()),
	)
	if err != nil {
		return &PersistenceError{Op: "upsert status", MachineCode: machineCode, Err: err}
	}
	return nil
}

// AppendHistory records one accepted change and returns its id.
//
// History rows are unique on (machine_code, captured_at). Appending the same
// change twice inserts nothing and returns the id of the existing row.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - machineCode: Machine code
//   - f: Decoded fields
//   - capturedAt: Capture time from the message
//
// Returns:
//   - string: History row id
//   - error: PersistenceError on failure
func (s *SQLiteStore) AppendHistory(ctx context.Context, machineCode string, f Fields, capturedAt time.Time) (string, error) {
	if machineCode == "" {
		return "", &PersistenceError{Op: "append history", Err: ErrInvalidMachineCode}
	}

	regs, err := marshalRegisters(f.Registers)
	if err != nil {
		return "", &PersistenceError{Op: "append history", MachineCode: machineCode, Err: err}
	}

	id := uuid.NewString()
	captured := formatTimestamp(capturedAt)

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO machine_history
		     (id, machine_code, status_code, operation_name, counter, registers, captured_at, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		machineCode,
		f.StatusCode,
		f.OperationName,
		f.Counter,
		regs,
		captured,
		formatTimestamp(s.now()),
	)
	if err != nil {
		return "", &PersistenceError{Op: "append history", MachineCode: machineCode, Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", &PersistenceError{Op: "append history", MachineCode: machineCode, Err: err}
	}
	if affected == 1 {
		return id, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM machine_history WHERE machine_code = ? AND captured_at = ?",
		machineCode, captured,
	).Scan(&existing)
	if err != nil {
		return "", &PersistenceError{Op: "append history", MachineCode: machineCode, Err: fmt.Errorf("reading existing row: %w", err)}
	}
	return existing, nil
}

// GetStatus returns the current status of every machine ordered by code.
func (s *SQLiteStore) GetStatus(ctx context.Context) ([]StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT machine_code, display_name, status_code, operation_name, counter, registers, captured_at, updated_at
		 FROM machine_status
		 ORDER BY machine_code`)
	if err != nil {
		return nil, fmt.Errorf("querying machine status: %w", err)
	}
	defer rows.Close()

	records := make([]StatusRecord, 0)
	for rows.Next() {
		rec, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating machine status: %w", err)
	}
	return records, nil
}

// GetStatusByCode returns the current status of one machine, or ErrNotFound.
func (s *SQLiteStore) GetStatusByCode(ctx context.Context, machineCode string) (StatusRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT machine_code, display_name, status_code, operation_name, counter, registers, captured_at, updated_at
		 FROM machine_status
		 WHERE machine_code = ?`,
		machineCode,
	)
	rec, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusRecord{}, fmt.Errorf("%s: %w", machineCode, ErrNotFound)
	}
	return rec, err
}

// GetHistory returns recent history rows for a machine, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - machineCode: Machine code
//   - limit: Maximum rows to return (default 50, max 200)
//
// Returns:
//   - []HistoryRecord: Rows ordered by captured_at DESC
//   - error: nil on success, otherwise the underlying query error
func (s *SQLiteStore) GetHistory(ctx context.Context, machineCode string, limit int) ([]HistoryRecord, error) {
	if machineCode == "" {
		return nil, ErrInvalidMachineCode
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, machine_code, status_code, operation_name, counter, registers, captured_at, recorded_at
		 FROM machine_history
		 WHERE machine_code = ?
		 ORDER BY captured_at DESC
		 LIMIT ?`,
		machineCode,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying machine history: %w", err)
	}
	defer rows.Close()

	records := make([]HistoryRecord, 0, limit)
	for rows.Next() {
		var rec HistoryRecord
		var regs, captured, recorded string
		if err := rows.Scan(&rec.ID, &rec.MachineCode, &rec.StatusCode, &rec.OperationName,
			&rec.Counter, &regs, &captured, &recorded); err != nil {
			return nil, fmt.Errorf("scanning machine history: %w", err)
		}
		if rec.Registers, err = unmarshalRegisters(regs); err != nil {
			return nil, err
		}
		if rec.CapturedAt, err = parseTimestamp(captured); err != nil {
			return nil, err
		}
		if rec.RecordedAt, err = parseTimestamp(recorded); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating machine history: %w", err)
	}
	return records, nil
}

// PruneHistory deletes history rows captured before now minus olderThan.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - olderThan: Retention window
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying delete error
func (s *SQLiteStore) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", olderThan)
	}

	cutoff := formatTimestamp(s.now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM machine_history WHERE captured_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning machine history: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned row count: %w", err)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (StatusRecord, error) {
	var rec StatusRecord
	var regs, captured, updated string
	if err := row.Scan(&rec.MachineCode, &rec.DisplayName, &rec.StatusCode, &rec.OperationName,
		&rec.Counter, &regs, &captured, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StatusRecord{}, err
		}
		return StatusRecord{}, fmt.Errorf("scanning machine status: %w", err)
	}

	var err error
	if rec.Registers, err = unmarshalRegisters(regs); err != nil {
		return StatusRecord{}, err
	}
	if rec.CapturedAt, err = parseTimestamp(captured); err != nil {
		return StatusRecord{}, err
	}
	if rec.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return StatusRecord{}, err
	}
	return rec, nil
}

func marshalRegisters(regs []int) (string, error) {
	if regs == nil {
		regs = []int{}
	}
	b, err := json.Marshal(regs)
	if err != nil {
		return "", fmt.Errorf("marshalling registers: %w", err)
	}
	return string(b), nil
}

func unmarshalRegisters(value string) ([]int, error) {
	var regs []int
	if err := json.Unmarshal([]byte(value), &regs); err != nil {
		return nil, fmt.Errorf("unmarshalling registers: %w", err)
	}
	return regs, nil
}
