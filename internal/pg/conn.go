package pg

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver int

const (
	DriverSQLite Driver = iota
	DriverPostgres
)

func (d Driver) String() string {
	if d == DriverPostgres {
		return "postgres"
	}
	return "sqlite"
}

// DB: соединение с учётом драйвера (плейсхолдеры, уровень изоляции).
type DB struct {
	*sql.DB
	Driver Driver
}

// DetectDriver: postgres:// и postgresql:// идут в pgx, всё остальное в sqlite (файл или память).
func DetectDriver(dsn string) (Driver, string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres, "pgx"
	}
	return DriverSQLite, "sqlite"
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func Open(ctx context.Context, dsn string) (*DB, error) {
	driver, name := DetectDriver(dsn)
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// одно соединение: in-memory база живёт, пока оно открыто
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &DB{DB: db, Driver: driver}, nil
}

var placeholderRegex = regexp.MustCompile(`\?`)

// rebind переводит ? в $1, $2, ... для postgres.
func (d Driver) rebind(query string) string {
	if d != DriverPostgres {
		return query
	}
	counter := 0
	return placeholderRegex.ReplaceAllStringFunc(query, func(string) string {
		counter++
		return fmt.Sprintf("$%d", counter)
	})
}
