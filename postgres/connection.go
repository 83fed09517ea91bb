// Package postgres implements the secondary experiment store: a denormalised
// relational mirror of the primary, kept byte-equivalent by the service's
// primary-first write ordering and used for reporting joins. Deletion here is
// physical; the primary keeps the tombstoned row.
package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	// Register the postgres driver.
	_ "github.com/lib/pq"
)

// Config contains configuration for connecting to the mirror database.
type Config struct {
	// Host and Port locate the server. Host defaults to localhost, Port to 5432.
	Host string
	Port int
	// User, Password, and DBName select the database. DBName defaults to abx.
	User     string
	Password string
	DBName   string
	// SSLMode is passed through to lib/pq; defaults to disable.
	SSLMode string
	// MaxOpenConns caps the pool; zero means the driver default.
	MaxOpenConns int
	// ConnectionTimeout bounds the initial connect. Defaults to 10s.
	ConnectionTimeout time.Duration
}

// Connection wraps the database handle and its configuration.
type Connection struct {
	DB *sqlx.DB
	Config
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether a global Connection has been created.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// OpenConnection returns the existing global Connection or opens a new one
// using the provided config, auto-creating the mirror schema.
func OpenConnection(config Config) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.DBName == "" {
		config.DBName = "abx"
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.ConnectionTimeout == 0 {
		config.ConnectionTimeout = 10 * time.Second
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)
	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}

	c := Connection{
		DB:     db,
		Config: config,
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	connection = &c
	return connection, nil
}

// CloseConnection closes and clears the global connection, if it exists.
func CloseConnection() error {
	if connection == nil {
		return nil
	}
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := connection.DB.Close()
	connection = nil
	return err
}

// ensureSchema creates the mirror table. Idempotent.
func ensureSchema(ctx context.Context, db *sqlx.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS experiment (
	id UUID PRIMARY KEY,
	app_name TEXT NOT NULL,
	label TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	sampling_percent DOUBLE PRECISION NOT NULL,
	rule TEXT NOT NULL DEFAULT '',
	is_personalization_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	model_name TEXT NOT NULL DEFAULT '',
	model_version TEXT NOT NULL DEFAULT '',
	is_rapid_experiment BOOLEAN NOT NULL DEFAULT FALSE,
	user_cap INTEGER NOT NULL DEFAULT 0,
	creation_time TIMESTAMPTZ NOT NULL,
	modification_time TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS experiment_app_name_idx ON experiment (app_name);`
	_, err := db.ExecContext(ctx, ddl)
	return err
}
