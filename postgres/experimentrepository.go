package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/abstack/abx"
)

type experimentRepository struct {
	db *sqlx.DB
}

// NewExperimentRepository returns the secondary ExperimentStore backed by the
// global Connection. OpenConnection(config) must have been called.
func NewExperimentRepository() (abx.ExperimentStore, error) {
	if connection == nil {
		return nil, errClosed
	}
	return &experimentRepository{db: connection.DB}, nil
}

var errClosed = fmt.Errorf("postgres connection is closed; call OpenConnection(config) to open it")

// mapError classifies a lib/pq failure: connection and serialization classes
// are transient and worth a caller retry, a unique violation is a Conflict,
// everything else is a schema class failure.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return abx.Error{Code: abx.RepositoryTransient, Err: err}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505": // unique_violation
			return abx.Error{Code: abx.Conflict, Err: err}
		case pqErr.Code.Class() == "08", // connection_exception
			pqErr.Code.Class() == "40", // transaction_rollback, incl. serialization_failure
			pqErr.Code.Class() == "53", // insufficient_resources
			pqErr.Code == "57014":      // query_canceled
			return abx.Error{Code: abx.RepositoryTransient, Err: err}
		}
	}
	return abx.Error{Code: abx.RepositorySchema, Err: err}
}

// experimentRow is the sqlx row shape of the mirror table.
type experimentRow struct {
	ID                       string    `db:"id"`
	ApplicationName          string    `db:"app_name"`
	Label                    string    `db:"label"`
	Description              string    `db:"description"`
	State                    string    `db:"state"`
	StartTime                time.Time `db:"start_time"`
	EndTime                  time.Time `db:"end_time"`
	SamplingPercent          float64   `db:"sampling_percent"`
	Rule                     string    `db:"rule"`
	IsPersonalizationEnabled bool      `db:"is_personalization_enabled"`
	ModelName                string    `db:"model_name"`
	ModelVersion             string    `db:"model_version"`
	IsRapidExperiment        bool      `db:"is_rapid_experiment"`
	UserCap                  int32     `db:"user_cap"`
	CreationTime             time.Time `db:"creation_time"`
	ModificationTime         time.Time `db:"modification_time"`
}

func toRow(experiment abx.Experiment) experimentRow {
	return experimentRow{
		ID:                       experiment.ID.String(),
		ApplicationName:          experiment.ApplicationName,
		Label:                    experiment.Label,
		Description:              experiment.Description,
		State:                    string(experiment.State),
		StartTime:                experiment.StartTime,
		EndTime:                  experiment.EndTime,
		SamplingPercent:          experiment.SamplingPercent,
		Rule:                     experiment.Rule,
		IsPersonalizationEnabled: experiment.IsPersonalizationEnabled,
		ModelName:                experiment.ModelName,
		ModelVersion:             experiment.ModelVersion,
		IsRapidExperiment:        experiment.IsRapidExperiment,
		UserCap:                  experiment.UserCap,
		CreationTime:             experiment.CreationTime,
		ModificationTime:         experiment.ModificationTime,
	}
}

func (row experimentRow) toExperiment() (abx.Experiment, error) {
	id, err := abx.ParseUUID(row.ID)
	if err != nil {
		return abx.Experiment{}, abx.Error{Code: abx.RepositorySchema, Err: fmt.Errorf("invalid experiment id %q in mirror row: %w", row.ID, err)}
	}
	return abx.Experiment{
		ID:                       id,
		ApplicationName:          row.ApplicationName,
		Label:                    row.Label,
		Description:              row.Description,
		State:                    abx.State(row.State),
		StartTime:                row.StartTime,
		EndTime:                  row.EndTime,
		SamplingPercent:          row.SamplingPercent,
		Rule:                     row.Rule,
		IsPersonalizationEnabled: row.IsPersonalizationEnabled,
		ModelName:                row.ModelName,
		ModelVersion:             row.ModelVersion,
		IsRapidExperiment:        row.IsRapidExperiment,
		UserCap:                  row.UserCap,
		CreationTime:             row.CreationTime,
		ModificationTime:         row.ModificationTime,
	}, nil
}

const experimentColumns = "id, app_name, label, description, state, start_time, end_time, sampling_percent, rule, is_personalization_enabled, model_name, model_version, is_rapid_experiment, user_cap, creation_time, modification_time"

const insertStatement = `INSERT INTO experiment (id, app_name, label, description, state, start_time, end_time, sampling_percent, rule, is_personalization_enabled, model_name, model_version, is_rapid_experiment, user_cap, creation_time, modification_time)
VALUES (:id, :app_name, :label, :description, :state, :start_time, :end_time, :sampling_percent, :rule, :is_personalization_enabled, :model_name, :model_version, :is_rapid_experiment, :user_cap, :creation_time, :modification_time)`

const updateStatement = `UPDATE experiment SET app_name = :app_name, label = :label, description = :description, state = :state, start_time = :start_time, end_time = :end_time, sampling_percent = :sampling_percent, rule = :rule, is_personalization_enabled = :is_personalization_enabled, model_name = :model_name, model_version = :model_version, is_rapid_experiment = :is_rapid_experiment, user_cap = :user_cap, modification_time = :modification_time WHERE id = :id`

// CreateExperiment inserts the mirror row. The secondary never mints ids; the
// payload must carry the one the primary minted.
func (r *experimentRepository) CreateExperiment(ctx context.Context, newExperiment abx.NewExperiment) (*abx.Experiment, error) {
	if newExperiment.ID.IsNil() {
		return nil, abx.Error{Code: abx.InvalidArgument, Err: errors.New("secondary store requires the id the primary minted")}
	}
	experiment := abx.Experiment{
		ID:                       newExperiment.ID,
		ApplicationName:          newExperiment.ApplicationName,
		Label:                    newExperiment.Label,
		Description:              newExperiment.Description,
		State:                    abx.Draft,
		StartTime:                newExperiment.StartTime,
		EndTime:                  newExperiment.EndTime,
		SamplingPercent:          newExperiment.SamplingPercent,
		Rule:                     newExperiment.Rule,
		IsPersonalizationEnabled: newExperiment.IsPersonalizationEnabled,
		ModelName:                newExperiment.ModelName,
		ModelVersion:             newExperiment.ModelVersion,
		IsRapidExperiment:        newExperiment.IsRapidExperiment,
		UserCap:                  newExperiment.UserCap,
		CreationTime:             newExperiment.CreationTime,
		ModificationTime:         newExperiment.ModificationTime,
	}
	if _, err := r.db.NamedExecContext(ctx, insertStatement, toRow(experiment)); err != nil {
		return nil, mapError(err)
	}
	return &experiment, nil
}

// CreateIndicesForNewExperiment is a no-op: the label uniqueness index and the
// application registry are owned by the primary.
func (r *experimentRepository) CreateIndicesForNewExperiment(ctx context.Context, newExperiment abx.NewExperiment) error {
	return nil
}

// GetExperiment fetches by id. Unknown ids yield (nil, nil); deleted mirror
// rows do not exist (delete is physical here).
func (r *experimentRepository) GetExperiment(ctx context.Context, id abx.UUID) (*abx.Experiment, error) {
	var row experimentRow
	err := r.db.GetContext(ctx, &row,
		"SELECT "+experimentColumns+" FROM experiment WHERE id = $1 AND state <> 'DELETED'", id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	experiment, err := row.toExperiment()
	if err != nil {
		return nil, err
	}
	return &experiment, nil
}

// GetExperimentByLabel fetches by (application, label) among non-deleted experiments.
func (r *experimentRepository) GetExperimentByLabel(ctx context.Context, applicationName, label string) (*abx.Experiment, error) {
	var row experimentRow
	err := r.db.GetContext(ctx, &row,
		"SELECT "+experimentColumns+" FROM experiment WHERE app_name = $1 AND label = $2 AND state <> 'DELETED'", applicationName, label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	experiment, err := row.toExperiment()
	if err != nil {
		return nil, err
	}
	return &experiment, nil
}

// GetExperiments lists all non-deleted experiments.
func (r *experimentRepository) GetExperiments(ctx context.Context) ([]abx.Experiment, error) {
	return r.listExperiments(ctx,
		"SELECT "+experimentColumns+" FROM experiment WHERE state <> 'DELETED' ORDER BY app_name, label")
}

// GetExperimentsByApplication lists the non-deleted experiments of one application.
func (r *experimentRepository) GetExperimentsByApplication(ctx context.Context, applicationName string) ([]abx.Experiment, error) {
	return r.listExperiments(ctx,
		"SELECT "+experimentColumns+" FROM experiment WHERE app_name = $1 AND state <> 'DELETED' ORDER BY label", applicationName)
}

func (r *experimentRepository) listExperiments(ctx context.Context, query string, args ...interface{}) ([]abx.Experiment, error) {
	var rows []experimentRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err)
	}
	experiments := make([]abx.Experiment, 0, len(rows))
	for _, row := range rows {
		experiment, err := row.toExperiment()
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, experiment)
	}
	return experiments, nil
}

// UpdateExperiment overwrites the mirror row with the given experiment.
func (r *experimentRepository) UpdateExperiment(ctx context.Context, experiment abx.Experiment) error {
	result, err := r.db.NamedExecContext(ctx, updateStatement, toRow(experiment))
	if err != nil {
		return mapError(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return abx.Error{Code: abx.NotFound, Err: fmt.Errorf("experiment %s has no mirror row", experiment.ID.String()), UserData: experiment.ID}
	}
	return nil
}

// DeleteExperiment physically removes the mirror row. Idempotent.
func (r *experimentRepository) DeleteExperiment(ctx context.Context, experiment abx.Experiment) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM experiment WHERE id = $1", experiment.ID.String()); err != nil {
		return mapError(err)
	}
	return nil
}

// GetApplicationsList returns the application names present in the mirror.
func (r *experimentRepository) GetApplicationsList(ctx context.Context) ([]string, error) {
	var applicationNames []string
	if err := r.db.SelectContext(ctx, &applicationNames,
		"SELECT DISTINCT app_name FROM experiment ORDER BY app_name"); err != nil {
		return nil, mapError(err)
	}
	return applicationNames, nil
}

// LogExperimentChanges is a no-op: the audit log is owned by the primary.
func (r *experimentRepository) LogExperimentChanges(ctx context.Context, id abx.UUID, changedAt time.Time, changes []abx.AuditInfo) error {
	return nil
}
