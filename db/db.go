package db

//nolint:golint,revive
import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/omni/relay-server/config"
)

const (
	maxIdleConns = 3
	maxOpenConns = 10
)

var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps sqlx with per-query duration and error metrics labelled by the calling repo method.
type DB struct {
	cfg *config.DBConfig
	db  *sqlx.DB
}

func NewDB(cfg *config.DBConfig) (*DB, error) {
	db := &DB{cfg: cfg}
	conn, err := sqlx.ConnectContext(context.Background(), "pgx", db.url("postgres"))
	if err != nil {
		return nil, fmt.Errorf("can't connect to postgres database: %w", err)
	}
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetMaxOpenConns(maxOpenConns)
	db.db = conn
	return db, nil
}

func ConnectToDBAndMigrate(cfg *config.DBConfig) (*DB, error) {
	db, err := NewDB(cfg)
	if err != nil {
		return nil, err
	}
	if err = db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the embedded schema migrations over a separate lib/pq connection,
// a database already at the latest version is fine.
func (db *DB) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("can't open embedded migrations: %w", err)
	}
	conn, err := sql.Open("postgres", db.url("postgres"))
	if err != nil {
		return fmt.Errorf("can't open migrations connection: %w", err)
	}
	driver, err := postgres.WithInstance(conn, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("can't connect to postgres database: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("can't prepare migrations: %w", err)
	}
	defer m.Close()
	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("can't apply postgres database migrations: %w", err)
	}
	return nil
}

func (db *DB) url(scheme string) string {
	u := fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, db.cfg.User, db.cfg.Password, db.cfg.Host, db.cfg.Port, db.cfg.DB)
	if db.cfg.SSLMode != "" {
		u += "?sslmode=" + db.cfg.SSLMode
	}
	return u
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	name := callerName()
	defer ObserveDuration(name)()
	res, err := db.db.ExecContext(ctx, query, args...)
	return res, observeError(name, err)
}

func (db *DB) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	name := callerName()
	defer ObserveDuration(name)()
	err := db.db.GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return observeError(name, err)
}

func (db *DB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	name := callerName()
	defer ObserveDuration(name)()
	return observeError(name, db.db.SelectContext(ctx, dest, query, args...))
}

// callerName is the method name of the repo calling into DB, e.g. "IsActionPendingOrRecentlyMined".
func callerName() string {
	pc, _, _, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	return name[strings.LastIndex(name, ".")+1:]
}
