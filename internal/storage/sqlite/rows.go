// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
)

const (
	runColumns = `id, workflow_name, deployment_id, spec_version, status, input, output, error,
		execution_context, created_at, started_at, completed_at, updated_at`
	stepColumns = `run_id, id, name, status, input, output, error, attempt, retry_after,
		created_at, started_at, completed_at, updated_at`
	hookColumns  = `id, run_id, token, metadata, disposed, created_at, updated_at`
	eventColumns = `id, run_id, type, correlation_id, data, spec_version, created_at`
)

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func getRunTx(ctx context.Context, tx *sql.Tx, runID string) (*storage.Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return run, err
}

func scanRun(row scanner) (*storage.Run, error) {
	var run storage.Run
	var deploymentID, input, output, errJSON, execCtx sql.NullString
	var createdAt, startedAt, completedAt, updatedAt sql.NullString

	err := row.Scan(&run.ID, &run.WorkflowName, &deploymentID, &run.SpecVersion, &run.Status,
		&input, &output, &errJSON, &execCtx, &createdAt, &startedAt, &completedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, &errors.TransportError{Op: "scan run", Cause: err}
	}

	run.DeploymentID = deploymentID.String
	run.Input = rawOf(input)
	run.Output = rawOf(output)
	run.ExecutionContext = rawOf(execCtx)
	if errJSON.Valid && errJSON.String != "" {
		var info storage.ErrorInfo
		if err := json.Unmarshal([]byte(errJSON.String), &info); err == nil {
			run.Error = &info
		}
	}
	run.CreatedAt = parseTime(createdAt.String)
	run.StartedAt = parseTimePtr(startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	run.UpdatedAt = parseTime(updatedAt.String)
	return &run, nil
}

func upsertRunTx(ctx context.Context, tx *sql.Tx, run *storage.Run, create bool) error {
	errJSON, err := marshalError(run.Error)
	if err != nil {
		return err
	}

	if create {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.WorkflowName, nullString(run.DeploymentID), run.SpecVersion, string(run.Status),
			nullRaw(run.Input), nullRaw(run.Output), errJSON, nullRaw(run.ExecutionContext),
			formatTime(run.CreatedAt), formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt),
			formatTime(run.UpdatedAt))
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, output = ?, error = ?, started_at = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`,
			string(run.Status), nullRaw(run.Output), errJSON,
			formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt), formatTime(run.UpdatedAt),
			run.ID)
	}
	if err != nil {
		return &errors.TransportError{Op: "write run", Cause: err}
	}
	return nil
}

func getStepTx(ctx context.Context, tx *sql.Tx, runID, stepID string) (*storage.Step, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND id = ?`, runID, stepID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step", ID: stepID}
	}
	return step, err
}

func scanStep(row scanner) (*storage.Step, error) {
	var step storage.Step
	var input, output, errJSON sql.NullString
	var retryAfter, createdAt, startedAt, completedAt, updatedAt sql.NullString

	err := row.Scan(&step.RunID, &step.ID, &step.Name, &step.Status, &input, &output, &errJSON,
		&step.Attempt, &retryAfter, &createdAt, &startedAt, &completedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, &errors.TransportError{Op: "scan step", Cause: err}
	}

	step.Input = rawOf(input)
	step.Output = rawOf(output)
	if errJSON.Valid && errJSON.String != "" {
		var info storage.ErrorInfo
		if err := json.Unmarshal([]byte(errJSON.String), &info); err == nil {
			step.Error = &info
		}
	}
	step.RetryAfter = parseTimePtr(retryAfter)
	step.CreatedAt = parseTime(createdAt.String)
	step.StartedAt = parseTimePtr(startedAt)
	step.CompletedAt = parseTimePtr(completedAt)
	step.UpdatedAt = parseTime(updatedAt.String)
	return &step, nil
}

func upsertStepTx(ctx context.Context, tx *sql.Tx, step *storage.Step, create bool) error {
	errJSON, err := marshalError(step.Error)
	if err != nil {
		return err
	}

	if create {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (run_id, id, name, status, input, output, error, attempt, retry_after,
				sort_key, created_at, started_at, completed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.RunID, step.ID, step.Name, string(step.Status), nullRaw(step.Input), nullRaw(step.Output),
			errJSON, step.Attempt, formatTimePtr(step.RetryAfter),
			storage.SortKey(step.CreatedAt, step.ID), formatTime(step.CreatedAt),
			formatTimePtr(step.StartedAt), formatTimePtr(step.CompletedAt), formatTime(step.UpdatedAt))
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE steps SET status = ?, output = ?, error = ?, attempt = ?, retry_after = ?,
				started_at = ?, completed_at = ?, updated_at = ?
			WHERE run_id = ? AND id = ?`,
			string(step.Status), nullRaw(step.Output), errJSON, step.Attempt,
			formatTimePtr(step.RetryAfter), formatTimePtr(step.StartedAt),
			formatTimePtr(step.CompletedAt), formatTime(step.UpdatedAt),
			step.RunID, step.ID)
	}
	if err != nil {
		return &errors.TransportError{Op: "write step", Cause: err}
	}
	return nil
}

func getHookTx(ctx context.Context, tx *sql.Tx, hookID string) (*storage.Hook, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+hookColumns+` FROM hooks WHERE id = ?`, hookID)
	hook, err := scanHook(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "hook", ID: hookID}
	}
	return hook, err
}

func getLiveHookByTokenTx(ctx context.Context, tx *sql.Tx, token string) (*storage.Hook, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+hookColumns+` FROM hooks WHERE token = ? AND disposed = 0 LIMIT 1`, token)
	hook, err := scanHook(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "hook", ID: token}
	}
	return hook, err
}

func scanHook(row scanner) (*storage.Hook, error) {
	var hook storage.Hook
	var metadata sql.NullString
	var disposed int
	var createdAt, updatedAt sql.NullString

	err := row.Scan(&hook.ID, &hook.RunID, &hook.Token, &metadata, &disposed, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, &errors.TransportError{Op: "scan hook", Cause: err}
	}

	hook.Metadata = rawOf(metadata)
	hook.Disposed = disposed != 0
	hook.CreatedAt = parseTime(createdAt.String)
	hook.UpdatedAt = parseTime(updatedAt.String)
	return &hook, nil
}

func upsertHookTx(ctx context.Context, tx *sql.Tx, hook *storage.Hook, create bool) error {
	var err error
	if create {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO hooks (id, run_id, token, metadata, disposed, sort_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			hook.ID, hook.RunID, hook.Token, nullRaw(hook.Metadata), boolInt(hook.Disposed),
			storage.SortKey(hook.CreatedAt, hook.ID), formatTime(hook.CreatedAt), formatTime(hook.UpdatedAt))
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE hooks SET disposed = ?, updated_at = ? WHERE id = ?`,
			boolInt(hook.Disposed), formatTime(hook.UpdatedAt), hook.ID)
	}
	if err != nil {
		return &errors.TransportError{Op: "write hook", Cause: err}
	}
	return nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, ev *storage.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, string(ev.Type), nullString(ev.CorrelationID), nullRaw(ev.Data),
		ev.SpecVersion, formatTime(ev.CreatedAt))
	if err != nil {
		return &errors.TransportError{Op: "write event", Cause: err}
	}
	return nil
}

func scanEvent(row scanner) (*storage.Event, error) {
	var ev storage.Event
	var correlationID, data sql.NullString
	var createdAt sql.NullString

	err := row.Scan(&ev.ID, &ev.RunID, &ev.Type, &correlationID, &data, &ev.SpecVersion, &createdAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, &errors.TransportError{Op: "scan event", Cause: err}
	}

	ev.CorrelationID = correlationID.String
	ev.Data = rawOf(data)
	ev.CreatedAt = parseTime(createdAt.String)
	return &ev, nil
}

func marshalError(info *storage.ErrorInfo) (any, error) {
	if info == nil {
		return nil, nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, &errors.TransportError{Op: "marshal error info", Cause: err}
	}
	return string(raw), nil
}

func rawOf(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
