package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"bi-gateway/internal/domain"
)

// Compile-time check.
var _ domain.Database = (*SQLDatabase)(nil)

// SQLDatabase runs bounded read queries over database/sql and returns
// classified *domain.DatabaseError values.
type SQLDatabase struct {
	db *sql.DB
}

// NewSQLDatabase wraps an open *sql.DB.
func NewSQLDatabase(db *sql.DB) *SQLDatabase {
	return &SQLDatabase{db: db}
}

// OpenDatabase opens the target warehouse. driverName is "duckdb" or "pgx";
// maxConns caps open connections.
func OpenDatabase(driverName, dsn string, maxConns int) (*SQLDatabase, error) {
	switch driverName {
	case "duckdb", "pgx":
	default:
		return nil, domain.ErrConfig("env", "DB_DRIVER", "unsupported driver %q (want duckdb or pgx)", driverName)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &SQLDatabase{db: db}, nil
}

// DB exposes the underlying pool for setup and tests.
func (d *SQLDatabase) DB() *sql.DB { return d.db }

// Close closes the pool.
func (d *SQLDatabase) Close() error { return d.db.Close() }

// Ping checks connectivity.
func (d *SQLDatabase) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Query executes sql and reads at most maxRows rows. More is set when the
// driver still had rows after the cap.
func (d *SQLDatabase) Query(ctx context.Context, query string, maxRows int) (*domain.ResultSet, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify(err)
	}
	res := &domain.ResultSet{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		if maxRows > 0 && len(res.Rows) >= maxRows {
			res.More = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify(err)
		}
		row := make(map[string]any, len(cols))
		for i, v := range vals {
			// byte slices render as base64 in JSON otherwise
			if b, ok := v.([]byte); ok {
				row[cols[i]] = string(b)
			} else {
				row[cols[i]] = v
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// classify maps driver errors onto the timeout / connectivity / syntax
// taxonomy the coordinator retries on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var dbErr *domain.DatabaseError
	if errors.As(err, &dbErr) {
		return err
	}
	return &domain.DatabaseError{Kind: kindOf(err), Err: err}
}

func kindOf(err error) domain.DatabaseErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err):
		return domain.DBErrorTimeout
	case errors.Is(err, context.Canceled):
		return domain.DBErrorOther
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return domain.DBErrorConnectivity
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014": // query_canceled, raised by statement_timeout
			return domain.DBErrorTimeout
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03", pgErr.Code == "53300":
			return domain.DBErrorConnectivity
		case strings.HasPrefix(pgErr.Code, "42"):
			return domain.DBErrorSyntax
		default:
			return domain.DBErrorOther
		}
	}

	var duckErr *duckdb.Error
	if errors.As(err, &duckErr) {
		switch duckErr.Type {
		case duckdb.ErrorTypeInterrupt:
			return domain.DBErrorTimeout
		case duckdb.ErrorTypeConnection, duckdb.ErrorTypeNetwork, duckdb.ErrorTypeIO, duckdb.ErrorTypeHTTP:
			return domain.DBErrorConnectivity
		case duckdb.ErrorTypeParser, duckdb.ErrorTypeSyntax, duckdb.ErrorTypeBinder, duckdb.ErrorTypeCatalog:
			return domain.DBErrorSyntax
		default:
			return domain.DBErrorOther
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.DBErrorTimeout
		}
		return domain.DBErrorConnectivity
	}
	if pgconn.SafeToRetry(err) {
		return domain.DBErrorConnectivity
	}
	return domain.DBErrorOther
}
