// Package db opens the station's SQLite file.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pm25-station/internal/config"
)

const pingTimeout = 5 * time.Second

// queuePragmas are appended to every file DSN built from a path. The queue
// shares one writer connection and waits on busy_timeout instead of failing.
var queuePragmas = []string{
	"_foreign_keys=on",
	"_busy_timeout=5000",
	"_journal_mode=WAL",
	"_synchronous=NORMAL",
}

// Open opens the queue database and pings it. With cfg.SQLiteLogQueries every
// statement is logged at debug level through NewLoggingConnector.
func Open(cfg config.Config, logger *slog.Logger) (*sql.DB, error) {
	dsn, err := BuildDSN(cfg.SQLiteDSN, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	conn, err := openDSN(dsn, cfg.SQLiteLogQueries, logger)
	if err != nil {
		return nil, err
	}
	applyPool(conn, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db ping %s: %w", redact(dsn), err)
	}
	return conn, nil
}

func openDSN(dsn string, logQueries bool, logger *slog.Logger) (*sql.DB, error) {
	if !logQueries {
		conn, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		return conn, nil
	}
	connector, err := NewLoggingConnector(dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("db connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

func applyPool(conn *sql.DB, cfg config.Config) {
	if cfg.SQLiteMaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.SQLiteMaxOpenConns)
	}
	if cfg.SQLiteMaxIdleConns >= 0 {
		conn.SetMaxIdleConns(cfg.SQLiteMaxIdleConns)
	}
	if cfg.SQLiteConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.SQLiteConnMaxLifetime)
	}
}

func Close(conn *sql.DB) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// BuildDSN returns dsn unchanged when set. Otherwise it creates the parent
// directory of path and returns a file DSN carrying the queue pragmas.
func BuildDSN(dsn, path string) (string, error) {
	if dsn != "" {
		return dsn, nil
	}
	if path == "" {
		return "", errors.New("sqlite path is empty")
	}

	file, query, _ := strings.Cut(strings.TrimPrefix(path, "file:"), "?")
	if err := ensureDir(filepath.Dir(file)); err != nil {
		return "", err
	}

	params := strings.Join(queuePragmas, "&")
	if query != "" {
		params = query + "&" + params
	}
	return "file:" + file + "?" + params, nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create queue directory %s: %w", dir, err)
	}
	return nil
}

// redact drops credentials-looking query values from a DSN before logging.
func redact(dsn string) string {
	file, query, ok := strings.Cut(dsn, "?")
	if !ok {
		return dsn
	}
	vals, err := url.ParseQuery(query)
	if err != nil {
		return file
	}
	for k := range vals {
		if strings.Contains(strings.ToLower(k), "pass") || strings.Contains(strings.ToLower(k), "key") {
			vals.Set(k, "xxx")
		}
	}
	return file + "?" + vals.Encode()
}
