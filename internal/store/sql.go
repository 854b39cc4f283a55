package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/lifecycle/pkg/schema"
)

// dialect captures the few differences between the supported SQL backends.
type dialect struct {
	name         string
	dollarParams bool
}

var (
	dialectLibSQL   = dialect{name: "libsql"}
	dialectPostgres = dialect{name: "postgres", dollarParams: true}
)

// rebind rewrites ? placeholders into the backend's positional form.
func (d dialect) rebind(query string) string {
	if !d.dollarParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect names the SQL backend.
func (s *SQLStore) Dialect() string { return s.dialect.name }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

func (s *SQLStore) exec(ctx context.Context, q sqlExecer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const instanceColumns = `workflow_id, instance_id, run_id, workflow_uuid, execution_id, status, created_at, modified_at`

// --- Instance runs ---

func (s *SQLStore) CreateInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	if inst.WorkflowUUID == "" {
		inst.WorkflowUUID = uuid.NewString()
	}
	if inst.Status == "" {
		inst.Status = schema.InstanceStatusCreated
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.ModifiedAt = timeOrNow(inst.ModifiedAt)
	_, err := s.exec(ctx, s.db,
		`INSERT INTO workflow_instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.WorkflowID, inst.InstanceID, inst.RunID, inst.WorkflowUUID, nullStr(inst.ExecutionID),
		string(inst.Status), inst.CreatedAt, inst.ModifiedAt,
	)
	if err != nil {
		return storeError("create instance "+inst.Identity(), err)
	}
	return nil
}

func (s *SQLStore) NewRun(ctx context.Context, workflowID string, instanceID int64) (*schema.WorkflowInstance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin new run", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT COALESCE(MAX(run_id), 0) FROM workflow_instances WHERE workflow_id = ? AND instance_id = ?`),
		workflowID, instanceID,
	).Scan(&last); err != nil {
		return nil, storeError("read last run", err)
	}

	now := time.Now().UTC()
	inst := &schema.WorkflowInstance{
		WorkflowID:   workflowID,
		InstanceID:   instanceID,
		RunID:        last + 1,
		WorkflowUUID: uuid.NewString(),
		ExecutionID:  uuid.NewString(),
		Status:       schema.InstanceStatusCreated,
		CreatedAt:    now,
		ModifiedAt:   now,
	}
	if _, err := s.exec(ctx, tx,
		`INSERT INTO workflow_instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.WorkflowID, inst.InstanceID, inst.RunID, inst.WorkflowUUID, inst.ExecutionID,
		string(inst.Status), inst.CreatedAt, inst.ModifiedAt,
	); err != nil {
		return nil, storeError("insert run "+inst.Identity(), err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError("commit new run", err)
	}
	return inst, nil
}

func (s *SQLStore) GetInstanceRun(ctx context.Context, workflowID string, instanceID, runID int64) (*schema.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE workflow_id = ? AND instance_id = ? AND run_id = ?`),
		workflowID, instanceID, runID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("instance run", runKey(workflowID, instanceID, runID))
	}
	if err != nil {
		return nil, storeError("get instance run", err)
	}
	return inst, nil
}

func (s *SQLStore) GetInstanceStatus(ctx context.Context, workflowID string, instanceID, runID int64) (schema.InstanceStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT status FROM workflow_instances WHERE workflow_id = ? AND instance_id = ? AND run_id = ?`),
		workflowID, instanceID, runID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storeNotFound("instance run", runKey(workflowID, instanceID, runID))
	}
	if err != nil {
		return "", storeError("get instance status", err)
	}
	return schema.InstanceStatus(status), nil
}

func (s *SQLStore) ListInstanceRuns(ctx context.Context, workflowID string, instanceID int64) ([]*schema.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE workflow_id = ? AND instance_id = ? ORDER BY run_id`),
		workflowID, instanceID)
	if err != nil {
		return nil, storeError("list instance runs", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, storeError("scan instance run", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateInstanceStatus(ctx context.Context, workflowID string, instanceID, runID int64, status schema.InstanceStatus) error {
	return s.transition(ctx, workflowID, instanceID, runID, status, "")
}

// StartRun moves a CREATED run to IN_PROGRESS and records the execution that runs it.
func (s *SQLStore) StartRun(ctx context.Context, workflowID string, instanceID, runID int64, executionID string) error {
	if executionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required to start a run")
	}
	return s.transition(ctx, workflowID, instanceID, runID, schema.InstanceStatusInProgress, executionID)
}

// transition applies a validated status change. The update is guarded by the status read
// so a concurrent change makes it fail instead of overwriting.
func (s *SQLStore) transition(ctx context.Context, workflowID string, instanceID, runID int64, to schema.InstanceStatus, executionID string) error {
	id := runKey(workflowID, instanceID, runID)
	from, err := s.GetInstanceStatus(ctx, workflowID, instanceID, runID)
	if err != nil {
		return err
	}
	if !schema.CanTransition(from, to) {
		return invalidTransition(id, from, to)
	}

	query := `UPDATE workflow_instances SET status = ?, modified_at = ?`
	args := []any{string(to), time.Now().UTC()}
	if executionID != "" {
		query += `, execution_id = ?`
		args = append(args, executionID)
	}
	query += ` WHERE workflow_id = ? AND instance_id = ? AND run_id = ? AND status = ?`
	args = append(args, workflowID, instanceID, runID, string(from))

	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return storeError("update instance status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("update instance status", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeRetryable, "instance run %s changed status concurrently", id)
	}
	return nil
}

// --- Termination actions ---

// Terminate records the action for the run. A run that never started is terminated on the
// spot; running executions pick the action up asynchronously. Repeated calls are no-ops.
func (s *SQLStore) Terminate(ctx context.Context, inst *schema.WorkflowInstance, user schema.User, action schema.Action, reason string) error {
	if !action.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown termination action %q", action)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin terminate", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := s.exec(ctx, tx,
		`INSERT INTO instance_actions (workflow_id, instance_id, run_id, action, user_name, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workflow_id, instance_id, run_id) DO UPDATE
		 SET action = excluded.action, user_name = excluded.user_name, reason = excluded.reason, created_at = excluded.created_at
		 WHERE instance_actions.action = ? AND excluded.action = ?`,
		inst.WorkflowID, inst.InstanceID, inst.RunID, string(action), user.Name, nullStr(reason), now,
		string(schema.ActionStop), string(schema.ActionKill),
	)
	if err != nil {
		return storeError("record termination action", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("record termination action", err)
	}
	if n == 0 {
		return nil
	}

	if _, err := s.exec(ctx, tx,
		`UPDATE workflow_instances SET status = ?, modified_at = ?
		 WHERE workflow_id = ? AND instance_id = ? AND run_id = ? AND status = ?`,
		string(terminatedStatus(action)), now, inst.WorkflowID, inst.InstanceID, inst.RunID,
		string(schema.InstanceStatusCreated),
	); err != nil {
		return storeError("terminate created run", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit terminate", err)
	}
	return nil
}

func (s *SQLStore) ListActions(ctx context.Context, workflowID string, instanceID, runID int64) ([]*InstanceAction, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT workflow_id, instance_id, run_id, action, user_name, reason, created_at
		 FROM instance_actions WHERE workflow_id = ? AND instance_id = ? AND run_id = ?`),
		workflowID, instanceID, runID)
	if err != nil {
		return nil, storeError("list actions", err)
	}
	defer rows.Close()

	var out []*InstanceAction
	for rows.Next() {
		a := &InstanceAction{}
		var action string
		var reason sql.NullString
		if err := rows.Scan(&a.WorkflowID, &a.InstanceID, &a.RunID, &action, &a.User, &reason, &a.CreatedAt); err != nil {
			return nil, storeError("scan action", err)
		}
		a.Action = schema.Action(action)
		a.Reason = reason.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Engine tasks ---

func (s *SQLStore) UpsertTask(ctx context.Context, workflowID string, instanceID, runID int64, task *schema.Task) error {
	var output any
	if len(task.OutputData) > 0 {
		data, err := json.Marshal(task.OutputData)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "marshal output of task %s", task.ReferenceName).WithCause(err)
		}
		output = string(data)
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO tasks (workflow_id, instance_id, run_id, reference_name, seq, task_id, task_type, status, output_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workflow_id, instance_id, run_id, reference_name, seq)
		 DO UPDATE SET task_id = excluded.task_id, task_type = excluded.task_type,
		               status = excluded.status, output_data = excluded.output_data`,
		workflowID, instanceID, runID, task.ReferenceName, task.Seq, nullStr(task.TaskID),
		task.Type, string(task.Status), output,
	)
	if err != nil {
		return storeError("upsert task "+task.ReferenceName, err)
	}
	return nil
}

func (s *SQLStore) ListTasks(ctx context.Context, workflowID string, instanceID, runID int64) ([]*schema.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT reference_name, seq, task_id, task_type, status, output_data
		 FROM tasks WHERE workflow_id = ? AND instance_id = ? AND run_id = ? ORDER BY seq, reference_name`),
		workflowID, instanceID, runID)
	if err != nil {
		return nil, storeError("list tasks", err)
	}
	defer rows.Close()

	var out []*schema.Task
	for rows.Next() {
		t := &schema.Task{}
		var taskID, output sql.NullString
		var status string
		if err := rows.Scan(&t.ReferenceName, &t.Seq, &taskID, &t.Type, &status, &output); err != nil {
			return nil, storeError("scan task", err)
		}
		t.TaskID = taskID.String
		t.Status = schema.TaskStatus(status)
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &t.OutputData); err != nil {
				return nil, storeError(fmt.Sprintf("decode output of task %s", t.ReferenceName), err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*schema.WorkflowInstance, error) {
	inst := &schema.WorkflowInstance{}
	var executionID sql.NullString
	var status string
	if err := row.Scan(&inst.WorkflowID, &inst.InstanceID, &inst.RunID, &inst.WorkflowUUID,
		&executionID, &status, &inst.CreatedAt, &inst.ModifiedAt); err != nil {
		return nil, err
	}
	inst.ExecutionID = executionID.String
	inst.Status = schema.InstanceStatus(status)
	return inst, nil
}
