package cassandra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/abstack/abx"
)

type experimentRepository struct{}

// NewExperimentRepository returns the primary ExperimentStore backed by the
// global Connection. OpenConnection(config) must have been called.
func NewExperimentRepository() abx.ExperimentStore {
	return &experimentRepository{}
}

// experimentColumns is the column list shared by every read and write of the
// experiment table. Scan targets in scanExperiment follow the same order.
const experimentColumns = "id, app_name, label, description, state, start_time, end_time, sampling_percent, rule, is_personalization_enabled, model_name, model_version, is_rapid_experiment, user_cap, creation_time, modification_time"

var errClosed = fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")

// mapError classifies a gocql failure into the repository error taxonomy:
// timeouts, unavailability, and overload are transient and worth a caller
// retry; everything else (syntax, invalid query, unauthorized) is a schema
// class failure.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gocql.ErrTimeoutNoResponse) || errors.Is(err, gocql.ErrTooManyTimeouts) ||
		errors.Is(err, gocql.ErrNoConnections) || errors.Is(err, gocql.ErrConnectionClosed) ||
		errors.Is(err, gocql.ErrSessionClosed) {
		return abx.Error{Code: abx.RepositoryTransient, Err: err}
	}
	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case gocql.ErrCodeReadTimeout, gocql.ErrCodeWriteTimeout, gocql.ErrCodeUnavailable,
			gocql.ErrCodeOverloaded, gocql.ErrCodeBootstrapping:
			return abx.Error{Code: abx.RepositoryTransient, Err: err}
		}
	}
	return abx.Error{Code: abx.RepositorySchema, Err: err}
}

// CreateExperiment inserts the experiment row in Draft state, minting an id
// when the payload carries none. It pre-checks the label index so an obvious
// duplicate fails fast with Conflict; the LWT write of
// CreateIndicesForNewExperiment remains the uniqueness authority.
func (r *experimentRepository) CreateExperiment(ctx context.Context, newExperiment abx.NewExperiment) (*abx.Experiment, error) {
	if connection == nil {
		return nil, errClosed
	}
	if existingID, err := r.lookupLabel(ctx, newExperiment.ApplicationName, newExperiment.Label); err != nil {
		return nil, err
	} else if !existingID.IsNil() {
		return nil, abx.Error{Code: abx.Conflict,
			Err:      fmt.Errorf("experiment %s already exists on application %s", newExperiment.Label, newExperiment.ApplicationName),
			UserData: newExperiment.Label}
	}

	id := newExperiment.ID
	if id.IsNil() {
		id = abx.NewUUID()
	}
	experiment := abx.Experiment{
		ID:                       id,
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

	insertStatement := fmt.Sprintf("INSERT INTO %s.experiment (%s) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);", connection.Config.Keyspace, experimentColumns)
	qry := connection.Session.Query(insertStatement, gocql.UUID(experiment.ID), experiment.ApplicationName, experiment.Label,
		experiment.Description, string(experiment.State), experiment.StartTime, experiment.EndTime, experiment.SamplingPercent,
		experiment.Rule, experiment.IsPersonalizationEnabled, experiment.ModelName, experiment.ModelVersion,
		experiment.IsRapidExperiment, experiment.UserCap, experiment.CreationTime, experiment.ModificationTime).WithContext(ctx)
	if connection.Config.ConsistencyBook.ExperimentAdd > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.ExperimentAdd)
	}
	if err := qry.Exec(); err != nil {
		return nil, mapError(err)
	}
	return &experiment, nil
}

// CreateIndicesForNewExperiment claims the (app_name, label) row with an LWT
// insert and registers the application. A lost claim surfaces as Conflict so
// the caller can compensate the rows already written.
func (r *experimentRepository) CreateIndicesForNewExperiment(ctx context.Context, newExperiment abx.NewExperiment) error {
	if connection == nil {
		return errClosed
	}
	if err := r.claimLabel(ctx, newExperiment.ApplicationName, newExperiment.Label, newExperiment.ID); err != nil {
		return err
	}

	registerStatement := fmt.Sprintf("INSERT INTO %s.application (app_name) VALUES(?);", connection.Config.Keyspace)
	qry := connection.Session.Query(registerStatement, newExperiment.ApplicationName).WithContext(ctx)
	if connection.Config.ConsistencyBook.ApplicationAdd > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.ApplicationAdd)
	}
	if err := qry.Exec(); err != nil {
		return mapError(err)
	}
	return nil
}

// claimLabel writes the (app_name, label) row with LWT. A lost claim surfaces
// as Conflict; replaying our own claim, e.g. a retried create, is tolerated.
func (r *experimentRepository) claimLabel(ctx context.Context, applicationName, label string, id abx.UUID) error {
	insertStatement := fmt.Sprintf("INSERT INTO %s.experiment_label_index (app_name, label, id) VALUES(?,?,?) IF NOT EXISTS;", connection.Config.Keyspace)
	qry := connection.Session.Query(insertStatement, applicationName, label, gocql.UUID(id)).WithContext(ctx)
	if connection.Config.ConsistencyBook.IndexAdd > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.IndexAdd)
	}
	previous := make(map[string]interface{})
	applied, err := qry.MapScanCAS(previous)
	if err != nil {
		return mapError(err)
	}
	if !applied {
		if holder, ok := previous["id"].(gocql.UUID); !ok || abx.UUID(holder) != id {
			return abx.Error{Code: abx.Conflict,
				Err:      fmt.Errorf("experiment %s already exists on application %s", label, applicationName),
				UserData: label}
		}
	}
	return nil
}

// lookupLabel resolves (app_name, label) to an experiment id via the label
// index, returning the nil UUID when the pair is unclaimed.
func (r *experimentRepository) lookupLabel(ctx context.Context, applicationName, label string) (abx.UUID, error) {
	selectStatement := fmt.Sprintf("SELECT id FROM %s.experiment_label_index WHERE app_name = ? AND label = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, applicationName, label).WithContext(ctx)
	if connection.Config.ConsistencyBook.IndexGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.IndexGet)
	}
	var id gocql.UUID
	if err := qry.Scan(&id); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return abx.NilUUID, nil
		}
		return abx.NilUUID, mapError(err)
	}
	return abx.UUID(id), nil
}

// GetExperiment fetches by id. Unknown ids and deleted experiments both yield (nil, nil).
func (r *experimentRepository) GetExperiment(ctx context.Context, id abx.UUID) (*abx.Experiment, error) {
	if connection == nil {
		return nil, errClosed
	}
	selectStatement := fmt.Sprintf("SELECT %s FROM %s.experiment WHERE id = ?;", experimentColumns, connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, gocql.UUID(id)).WithContext(ctx)
	if connection.Config.ConsistencyBook.ExperimentGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.ExperimentGet)
	}
	experiment, err := scanExperiment(qry)
	if err != nil {
		return nil, err
	}
	if experiment == nil || experiment.State == abx.Deleted {
		return nil, nil
	}
	return experiment, nil
}

// GetExperimentByLabel fetches by (application, label) among non-deleted experiments.
func (r *experimentRepository) GetExperimentByLabel(ctx context.Context, applicationName, label string) (*abx.Experiment, error) {
	if connection == nil {
		return nil, errClosed
	}
	id, err := r.lookupLabel(ctx, applicationName, label)
	if err != nil {
		return nil, err
	}
	if id.IsNil() {
		return nil, nil
	}
	return r.GetExperiment(ctx, id)
}

// GetExperiments lists all non-deleted experiments.
func (r *experimentRepository) GetExperiments(ctx context.Context) ([]abx.Experiment, error) {
	if connection == nil {
		return nil, errClosed
	}
	selectStatement := fmt.Sprintf("SELECT %s FROM %s.experiment;", experimentColumns, connection.Config.Keyspace)
	return r.listExperiments(ctx, selectStatement)
}

// GetExperimentsByApplication lists the non-deleted experiments of one
// application, served by the app_name secondary index.
func (r *experimentRepository) GetExperimentsByApplication(ctx context.Context, applicationName string) ([]abx.Experiment, error) {
	if connection == nil {
		return nil, errClosed
	}
	selectStatement := fmt.Sprintf("SELECT %s FROM %s.experiment WHERE app_name = ?;", experimentColumns, connection.Config.Keyspace)
	return r.listExperiments(ctx, selectStatement, applicationName)
}

func (r *experimentRepository) listExperiments(ctx context.Context, selectStatement string, values ...interface{}) ([]abx.Experiment, error) {
	qry := connection.Session.Query(selectStatement, values...).WithContext(ctx)
	if connection.Config.ConsistencyBook.ExperimentGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.ExperimentGet)
	}
	iter := qry.Iter()
	var experiments []abx.Experiment
	for {
		experiment, more := scanNextExperiment(iter)
		if !more {
			break
		}
		// Deleted experiments are invisible to list operations.
		if experiment.State == abx.Deleted {
			continue
		}
		experiments = append(experiments, experiment)
	}
	if err := iter.Close(); err != nil {
		return nil, mapError(err)
	}
	return experiments, nil
}

// UpdateExperiment overwrites the stored row with the given experiment,
// keeping the label index in step: an index row exists exactly for the
// non-deleted experiments. An identity change (application or label, Draft
// only) re-claims the index with an LWT write before the row is touched, so a
// lost race surfaces as Conflict with the old claim intact; a tombstoning
// write releases the claim and a write restoring a tombstoned row re-claims it.
func (r *experimentRepository) UpdateExperiment(ctx context.Context, experiment abx.Experiment) error {
	if connection == nil {
		return errClosed
	}

	var storedApp, storedLabel, storedState string
	selectStatement := fmt.Sprintf("SELECT app_name, label, state FROM %s.experiment WHERE id = ?;", connection.Config.Keyspace)
	qry0 := connection.Session.Query(selectStatement, gocql.UUID(experiment.ID)).WithContext(ctx)
	if connection.Config.ConsistencyBook.ExperimentGet > gocql.Any {
		qry0.Consistency(connection.Config.ConsistencyBook.ExperimentGet)
	}
	if err := qry0.Scan(&storedApp, &storedLabel, &storedState); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return abx.Error{Code: abx.NotFound, Err: fmt.Errorf("experiment %s not found", experiment.ID.String()), UserData: experiment.ID}
		}
		return mapError(err)
	}
	if storedApp != experiment.ApplicationName || storedLabel != experiment.Label {
		if err := r.claimLabel(ctx, experiment.ApplicationName, experiment.Label, experiment.ID); err != nil {
			return err
		}
		if err := r.releaseLabel(ctx, storedApp, storedLabel, experiment.ID); err != nil {
			return err
		}
	} else if abx.State(storedState) == abx.Deleted && experiment.State != abx.Deleted {
		// Restoring a non-deleted state over a tombstoned row, e.g. a mirror
		// failure rolling a deletion back, must re-claim the label the
		// tombstoning write released.
		if err := r.claimLabel(ctx, experiment.ApplicationName, experiment.Label, experiment.ID); err != nil {
			return err
		}
	}

	updateStatement := fmt.Sprintf("UPDATE %s.experiment SET app_name = ?, label = ?, description = ?, state = ?, start_time = ?, end_time = ?, sampling_percent = ?, rule = ?, is_personalization_enabled = ?, model_name = ?, model_version = ?, is_rapid_experiment = ?, user_cap = ?, creation_time = ?, modification_time = ? WHERE id = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(updateStatement, experiment.ApplicationName, experiment.Label, experiment.Description,
		string(experiment.State), experiment.StartTime, experiment.EndTime, experiment.SamplingPercent, experiment.Rule,
		experiment.IsPersonalizationEnabled, experiment.ModelName, experiment.ModelVersion, experiment.IsRapidExperiment,
		experiment.UserCap, experiment.CreationTime, experiment.ModificationTime, gocql.UUID(experiment.ID)).WithContext(ctx)
	if connection.Config.ConsistencyBook.ExperimentUpdate > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.ExperimentUpdate)
	}
	if err := qry.Exec(); err != nil {
		return mapError(err)
	}
	// The label index holds only non-deleted experiments: a tombstoning update
	// releases the label for reuse.
	if experiment.State == abx.Deleted {
		return r.releaseLabel(ctx, experiment.ApplicationName, experiment.Label, experiment.ID)
	}
	return nil
}

// releaseLabel removes the (app_name, label) claim from the label index, but
// only when id still holds it. A claim owned by another experiment, e.g. the
// winner of a create race whose loser is compensating, is left intact.
func (r *experimentRepository) releaseLabel(ctx context.Context, applicationName, label string, id abx.UUID) error {
	deleteStatement := fmt.Sprintf("DELETE FROM %s.experiment_label_index WHERE app_name = ? AND label = ? IF id = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(deleteStatement, applicationName, label, gocql.UUID(id)).WithContext(ctx)
	if connection.Config.ConsistencyBook.IndexRemove > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.IndexRemove)
	}
	previous := make(map[string]interface{})
	if _, err := qry.MapScanCAS(previous); err != nil {
		return mapError(err)
	}
	// applied=false means the claim is absent or held by another id; either
	// way there is nothing of ours to release.
	return nil
}

// DeleteExperiment tombstones the experiment row (state Deleted) and removes
// its label index row so the label is reusable. The physical row remains so
// the id is never reused. Idempotent.
func (r *experimentRepository) DeleteExperiment(ctx context.Context, experiment abx.Experiment) error {
	if connection == nil {
		return errClosed
	}
	updateStatement := fmt.Sprintf("UPDATE %s.experiment SET state = ? WHERE id = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(updateStatement, string(abx.Deleted), gocql.UUID(experiment.ID)).WithContext(ctx)
	if connection.Config.ConsistencyBook.ExperimentRemove > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.ExperimentRemove)
	}
	if err := qry.Exec(); err != nil {
		return mapError(err)
	}
	return r.releaseLabel(ctx, experiment.ApplicationName, experiment.Label, experiment.ID)
}

// GetApplicationsList returns the known application names.
func (r *experimentRepository) GetApplicationsList(ctx context.Context) ([]string, error) {
	if connection == nil {
		return nil, errClosed
	}
	selectStatement := fmt.Sprintf("SELECT app_name FROM %s.application;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement).WithContext(ctx)
	if connection.Config.ConsistencyBook.ApplicationGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.ApplicationGet)
	}
	iter := qry.Iter()
	var applicationNames []string
	var applicationName string
	for iter.Scan(&applicationName) {
		applicationNames = append(applicationNames, applicationName)
	}
	if err := iter.Close(); err != nil {
		return nil, mapError(err)
	}
	return applicationNames, nil
}

// LogExperimentChanges appends one audit row per changed attribute, clustered
// under the experiment id by the caller-supplied change instant.
func (r *experimentRepository) LogExperimentChanges(ctx context.Context, id abx.UUID, changedAt time.Time, changes []abx.AuditInfo) error {
	if connection == nil {
		return errClosed
	}
	insertStatement := fmt.Sprintf("INSERT INTO %s.experiment_audit (id, changed_at, attr, old_value, new_value) VALUES(?,?,?,?,?);", connection.Config.Keyspace)
	for _, change := range changes {
		qry := connection.Session.Query(insertStatement, gocql.UUID(id), changedAt.UTC(), change.AttributeName, change.OldValue, change.NewValue).WithContext(ctx)
		if connection.Config.ConsistencyBook.AuditAdd > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.AuditAdd)
		}
		if err := qry.Exec(); err != nil {
			return mapError(err)
		}
	}
	return nil
}

// GetExperimentAudit reads back the experiment's audit trail in change order.
func (r *experimentRepository) GetExperimentAudit(ctx context.Context, id abx.UUID) ([]abx.AuditInfo, error) {
	if connection == nil {
		return nil, errClosed
	}
	selectStatement := fmt.Sprintf("SELECT attr, old_value, new_value FROM %s.experiment_audit WHERE id = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, gocql.UUID(id)).WithContext(ctx)
	if connection.Config.ConsistencyBook.AuditGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.AuditGet)
	}
	iter := qry.Iter()
	var changes []abx.AuditInfo
	var change abx.AuditInfo
	for iter.Scan(&change.AttributeName, &change.OldValue, &change.NewValue) {
		changes = append(changes, change)
	}
	if err := iter.Close(); err != nil {
		return nil, mapError(err)
	}
	return changes, nil
}

// scanExperiment runs a single-row query and maps not-found to (nil, nil).
func scanExperiment(qry *gocql.Query) (*abx.Experiment, error) {
	var experiment abx.Experiment
	var id gocql.UUID
	var state string
	if err := qry.Scan(&id, &experiment.ApplicationName, &experiment.Label, &experiment.Description, &state,
		&experiment.StartTime, &experiment.EndTime, &experiment.SamplingPercent, &experiment.Rule,
		&experiment.IsPersonalizationEnabled, &experiment.ModelName, &experiment.ModelVersion,
		&experiment.IsRapidExperiment, &experiment.UserCap, &experiment.CreationTime, &experiment.ModificationTime); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, nil
		}
		return nil, mapError(err)
	}
	experiment.ID = abx.UUID(id)
	experiment.State = abx.State(state)
	return &experiment, nil
}

// scanNextExperiment advances a list iterator one row.
func scanNextExperiment(iter *gocql.Iter) (abx.Experiment, bool) {
	var experiment abx.Experiment
	var id gocql.UUID
	var state string
	if !iter.Scan(&id, &experiment.ApplicationName, &experiment.Label, &experiment.Description, &state,
		&experiment.StartTime, &experiment.EndTime, &experiment.SamplingPercent, &experiment.Rule,
		&experiment.IsPersonalizationEnabled, &experiment.ModelName, &experiment.ModelVersion,
		&experiment.IsRapidExperiment, &experiment.UserCap, &experiment.CreationTime, &experiment.ModificationTime) {
		return experiment, false
	}
	experiment.ID = abx.UUID(id)
	experiment.State = abx.State(state)
	return experiment, true
}
