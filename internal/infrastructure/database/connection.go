package database

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Connection wraps the relational-tier MySQL/TiDB-compatible pool.
// sql.DB is already thread-safe and manages its own pool, so this type adds
// no extra locking — wrapping it with a mutex would deadlock writers
// against readers under load.
type Connection struct {
	db *sql.DB
}

var (
	instance *Connection
	once     sync.Once
	initErr  error
	tlsOnce  sync.Once
)

// GetInstance returns the singleton relational connection used by every
// process/outbox/version repository. The relational bus adapter opens its
// own connection from its own DSN.
func GetInstance() (*Connection, error) {
	once.Do(func() {
		instance, initErr = newConnection()
	})
	return instance, initErr
}

// NewConnectionForTesting wraps an already-open *sql.DB (typically a
// sqlmock connection) in a Connection, bypassing GetInstance's singleton and
// environment-variable DSN lookup so TransactionManager and the repositories
// can be exercised against a mock in tests.
func NewConnectionForTesting(db *sql.DB) *Connection {
	return &Connection{db: db}
}

func newConnection() (*Connection, error) {
	host := os.Getenv("DAZZLE_DB_HOST")
	port := os.Getenv("DAZZLE_DB_PORT")
	user := os.Getenv("DAZZLE_DB_USER")
	password := os.Getenv("DAZZLE_DB_PASSWORD")
	database := os.Getenv("DAZZLE_DB_NAME")

	if port == "" {
		port = "4000"
	}
	if database == "" {
		database = "dazzle_runtime"
	}

	tlsParam := ""
	if host != "" && host != "127.0.0.1" && host != "localhost" {
		tlsOnce.Do(func() {
			if err := mysql.RegisterTLSConfig("dazzle", &tls.Config{
				MinVersion: tls.VersionTLS12,
				ServerName: host,
			}); err != nil {
				log.Printf("Failed to register TLS config: %v\n", err)
			}
		})
		tlsParam = "&tls=dazzle"
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local%s",
		user, password, host, port, database, tlsParam)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// MaxIdleConns must equal MaxOpenConns: letting it trail behind closes and
	// reopens connections constantly, exhausting ephemeral ports under load.
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(100)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(3 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{db: db}, nil
}

func (c *Connection) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.Query(query, args...)
}

func (c *Connection) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

func (c *Connection) QueryRow(query string, args ...interface{}) *sql.Row {
	return c.db.QueryRow(query, args...)
}

func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c *Connection) Exec(query string, args ...interface{}) (sql.Result, error) {
	return c.db.Exec(query, args...)
}

func (c *Connection) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

func (c *Connection) Begin() (*sql.Tx, error) {
	return c.db.Begin()
}

func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// DB returns the underlying *sql.DB for callers that need it directly.
func (c *Connection) DB() *sql.DB {
	return c.db
}

func (c *Connection) Close() error {
	return c.db.Close()
}
