// Package cassandra implements the primary experiment store on a Cassandra
// cluster. The primary is authoritative: it mints experiment ids, owns the
// per-application label uniqueness index, the application registry, and the
// attribute-level audit log. Deletion is logical, a state tombstone plus label
// index removal, so an id is never reused.
package cassandra

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
)

// Config contains configuration for connecting to a Cassandra cluster and the experiment keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string
	// Keyspace is the keyspace used for experiment tables.
	Keyspace string
	// Consistency is the default consistency level for queries.
	Consistency gocql.Consistency
	// ConnectionTimeout is the session connection timeout.
	ConnectionTimeout time.Duration
	// Authenticator is used when the cluster requires authentication.
	Authenticator gocql.Authenticator
	// ReplicationClause defines the keyspace replication (e.g., SimpleStrategy).
	ReplicationClause string

	// ConsistencyBook allows overriding per-API consistency levels.
	ConsistencyBook ConsistencyBook
}

// ConsistencyBook enumerates per-API consistency levels used by this package.
type ConsistencyBook struct {
	ExperimentAdd    gocql.Consistency
	ExperimentUpdate gocql.Consistency
	ExperimentGet    gocql.Consistency
	ExperimentRemove gocql.Consistency
	IndexAdd         gocql.Consistency
	IndexGet         gocql.Consistency
	IndexRemove      gocql.Consistency
	ApplicationAdd   gocql.Consistency
	ApplicationGet   gocql.Consistency
	AuditAdd         gocql.Consistency
	AuditGet         gocql.Consistency
}

// Connection wraps a Cassandra session and its configuration.
type Connection struct {
	Session *gocql.Session
	Config
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether a global Connection has been created.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// OpenConnection returns the existing global Connection or opens a new one using
// the provided config, auto-creating the keyspace and the experiment tables.
func OpenConnection(config Config) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	if config.Keyspace == "" {
		// default keyspace
		config.Keyspace = "abx"
	}
	if config.Consistency == gocql.Any {
		// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
		config.Consistency = gocql.LocalQuorum
	}
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	if config.ReplicationClause == "" {
		// Specify an appropriate replication feature.
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	if config.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectionTimeout
	}
	if config.Authenticator != nil {
		cluster.Authenticator = config.Authenticator
		// Clear the authenticator just to be safer, we don't need to keep it hanging around.
		config.Authenticator = nil
	}
	var c = Connection{
		Config: config,
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	if err := s.Query(fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause)).Exec(); err != nil {
		return nil, err
	}
	// Auto create the experiment tables if not yet.
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.experiment (id UUID PRIMARY KEY, app_name text, label text, description text, state text, start_time timestamp, end_time timestamp, sampling_percent double, rule text, is_personalization_enabled boolean, model_name text, model_version text, is_rapid_experiment boolean, user_cap int, creation_time timestamp, modification_time timestamp);", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	if err := s.Query(fmt.Sprintf("CREATE INDEX IF NOT EXISTS experiment_app_name_idx ON %s.experiment (app_name);", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	// Label uniqueness authority: one row per (app_name, label), written with LWT.
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.experiment_label_index (app_name text, label text, id UUID, PRIMARY KEY((app_name, label)));", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.application (app_name text PRIMARY KEY);", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.experiment_audit (id UUID, changed_at timestamp, attr text, old_value text, new_value text, PRIMARY KEY(id, changed_at, attr));", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}

	c.Session = s
	connection = &c
	return connection, nil
}

// CloseConnection closes and clears the global connection, if it exists.
func CloseConnection() {
	if connection != nil {
		mux.Lock()
		defer mux.Unlock()
		if connection == nil {
			return
		}
		connection.Session.Close()
		connection = nil
	}
}
