// Package containers connects integration tests to a PostgreSQL server and
// gives every test its own schema.
//
// The server is taken from TEST_DATABASE_URL or, when POSTGRES_HOST is set,
// assembled from the POSTGRES_* variables. Tests are skipped when neither is
// set, in short mode, or when the server does not answer.
package containers

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// PostgresContainer describes a reachable PostgreSQL server.
type PostgresContainer struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	connStr  string
}

// PostgresOption configures the server description.
type PostgresOption func(*postgresConfig)

type postgresConfig struct {
	url      string
	host     string
	database string
	user     string
	password string
	port     string
	wait     time.Duration
}

// WithPostgresDatabase sets the database name.
func WithPostgresDatabase(database string) PostgresOption {
	return func(c *postgresConfig) {
		c.database = database
	}
}

// WithPostgresUser sets the database user.
func WithPostgresUser(user string) PostgresOption {
	return func(c *postgresConfig) {
		c.user = user
	}
}

// WithPostgresPassword sets the database password.
func WithPostgresPassword(password string) PostgresOption {
	return func(c *postgresConfig) {
		c.password = password
	}
}

// WithPostgresPort sets the server port.
func WithPostgresPort(port string) PostgresOption {
	return func(c *postgresConfig) {
		c.port = port
	}
}

// WithWait bounds how long StartPostgres waits for the server.
func WithWait(d time.Duration) PostgresOption {
	return func(c *postgresConfig) {
		c.wait = d
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// defaultPostgresConfig reads the environment:
//   - TEST_DATABASE_URL: full connection URL, takes precedence
//   - POSTGRES_HOST: server host; required when no URL is set
//   - POSTGRES_DB: database name (default: rpkica_test)
//   - POSTGRES_USER: username (default: postgres)
//   - POSTGRES_PASSWORD: password (default: postgres)
//   - POSTGRES_PORT: port (default: 5432)
func defaultPostgresConfig() *postgresConfig {
	return &postgresConfig{
		url:      os.Getenv("TEST_DATABASE_URL"),
		host:     os.Getenv("POSTGRES_HOST"),
		database: getEnvOrDefault("POSTGRES_DB", "rpkica_test"),
		user:     getEnvOrDefault("POSTGRES_USER", "postgres"),
		password: getEnvOrDefault("POSTGRES_PASSWORD", "postgres"),
		port:     getEnvOrDefault("POSTGRES_PORT", "5432"),
		wait:     10 * time.Second,
	}
}

// describe turns the configuration into a server description. It returns
// nil when no server is configured.
func (c *postgresConfig) describe() (*PostgresContainer, error) {
	if c.url != "" {
		u, err := url.Parse(c.url)
		if err != nil {
			return nil, fmt.Errorf("containers: parse TEST_DATABASE_URL: %w", err)
		}
		password, _ := u.User.Password()
		return &PostgresContainer{
			Host:     u.Hostname(),
			Port:     u.Port(),
			Database: strings.TrimPrefix(u.Path, "/"),
			User:     u.User.Username(),
			Password: password,
			connStr:  c.url,
		}, nil
	}
	if c.host == "" {
		return nil, nil
	}
	return &PostgresContainer{
		Host:     c.host,
		Port:     c.port,
		Database: c.database,
		User:     c.user,
		Password: c.password,
	}, nil
}

// StartPostgres returns the configured server once it answers, or skips t.
func StartPostgres(t testing.TB, opts ...PostgresOption) *PostgresContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := defaultPostgresConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	container, err := cfg.describe()
	if err != nil {
		t.Fatalf("%v", err)
	}
	if container == nil {
		t.Skip("TEST_DATABASE_URL and POSTGRES_HOST not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.wait)
	defer cancel()
	if err := waitForPostgres(ctx, container.ConnectionString()); err != nil {
		t.Skipf("PostgreSQL not available at %s:%s: %v", container.Host, container.Port, err)
	}
	return container
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresContainer) ConnectionString() string {
	if c.connStr != "" {
		return c.connStr
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// DB opens and pings a new connection pool.
func (c *PostgresContainer) DB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("pgx", c.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("containers: failed to open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("containers: failed to ping database: %w", err)
	}
	return db, nil
}

// CreateSchema creates a uniquely named schema.
func (c *PostgresContainer) CreateSchema(ctx context.Context, db *sql.DB, prefix string) (string, error) {
	schema := schemaName(prefix, time.Now())
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema)); err != nil {
		return "", fmt.Errorf("containers: failed to create schema: %w", err)
	}
	return schema, nil
}

// DropSchema drops a schema and everything in it.
func (c *PostgresContainer) DropSchema(ctx context.Context, db *sql.DB, schema string) error {
	_, err := db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(schema)+" CASCADE")
	return err
}

func schemaName(prefix string, now time.Time) string {
	return fmt.Sprintf("%s_%d", strings.ToLower(prefix), now.UnixNano())
}

func waitForPostgres(ctx context.Context, connStr string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		db, err := sql.Open("pgx", connStr)
		if err == nil {
			err = db.PingContext(ctx)
			db.Close()
			if err == nil {
				return nil
			}
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return lastErr
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Integration Test Helper
// =============================================================================

// IntegrationTest is a connection to the test server scoped to a fresh
// schema, which is dropped when the test ends.
type IntegrationTest struct {
	t         testing.TB
	ctx       context.Context
	container *PostgresContainer
	db        *sql.DB
	schema    string
}

// IntegrationTestOption configures an integration test.
type IntegrationTestOption func(*integrationTestConfig)

type integrationTestConfig struct {
	schemaPrefix string
	timeout      time.Duration
}

// WithSchemaPrefix sets the schema prefix.
func WithSchemaPrefix(prefix string) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.schemaPrefix = prefix
	}
}

// WithTimeout sets the test timeout.
func WithTimeout(timeout time.Duration) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.timeout = timeout
	}
}

// NewIntegrationTest connects to the test server and creates the schema.
func NewIntegrationTest(t testing.TB, opts ...IntegrationTestOption) *IntegrationTest {
	t.Helper()

	cfg := &integrationTestConfig{
		schemaPrefix: "test",
		timeout:      60 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	container := StartPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	t.Cleanup(cancel)

	db, err := container.DB(ctx)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	schema, err := container.CreateSchema(ctx, db, cfg.schemaPrefix)
	if err != nil {
		db.Close()
		t.Fatalf("Failed to create schema: %v", err)
	}

	t.Cleanup(func() {
		if err := container.DropSchema(context.Background(), db, schema); err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schema, err)
		}
		db.Close()
	})

	return &IntegrationTest{
		t:         t,
		ctx:       ctx,
		container: container,
		db:        db,
		schema:    schema,
	}
}

// Context returns the test context.
func (it *IntegrationTest) Context() context.Context { return it.ctx }

// DB returns the helper's own connection pool.
func (it *IntegrationTest) DB() *sql.DB { return it.db }

// Schema returns the test schema name.
func (it *IntegrationTest) Schema() string { return it.schema }

// Container returns the server description.
func (it *IntegrationTest) Container() *PostgresContainer { return it.container }

// OpenDB opens a separate pool for the code under test, closed when the
// test ends. Closing it early does not affect schema cleanup.
func (it *IntegrationTest) OpenDB() *sql.DB {
	it.t.Helper()
	db, err := it.container.DB(it.ctx)
	if err != nil {
		it.t.Fatalf("Failed to connect to database: %v", err)
	}
	it.t.Cleanup(func() { db.Close() })
	return db
}

// Exec executes a SQL statement.
func (it *IntegrationTest) Exec(query string, args ...any) {
	it.t.Helper()
	if _, err := it.db.ExecContext(it.ctx, query, args...); err != nil {
		it.t.Fatalf("Failed to execute SQL: %v", err)
	}
}

// Count returns the number of rows in a table of the test schema.
func (it *IntegrationTest) Count(table string) int {
	it.t.Helper()
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", pq.QuoteIdentifier(it.schema), pq.QuoteIdentifier(table))
	if err := it.db.QueryRowContext(it.ctx, query).Scan(&n); err != nil {
		it.t.Fatalf("Failed to count %s: %v", table, err)
	}
	return n
}
