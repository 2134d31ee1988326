package mcp

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	// Registered database/sql drivers for the bundled SQL backends.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/querypilot/querypilot/pkg/fault"
)

// sqlDriver dials postgres, mysql, and sqlite backends over database/sql.
// Postgres uses the pgx stdlib adapter; sqlite the cgo-free modernc driver.
type sqlDriver struct {
	kind Kind
}

func (d *sqlDriver) Kind() Kind { return d.kind }

func (d *sqlDriver) Connect(ctx context.Context, desc Descriptor, creds Credentials) (Conn, error) {
	driverName, dsn, err := buildDSN(d.kind, desc, creds)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fault.Wrap(fault.KindConnectionFailed, "mcp."+driverName, "connect", err).
			WithResource(desc.Name)
	}
	// One pool-managed connection per Conn: the outer pool owns sizing.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		kind := fault.KindConnectionFailed
		if isAuthError(err) {
			kind = fault.KindAuthFailed
		}
		return nil, fault.Wrap(kind, "mcp."+driverName, "connect", err).
			WithResource(desc.Name).WithCode(DriverCode(err))
	}
	return &sqlConn{db: db, component: "mcp." + driverName}, nil
}

// buildDSN assembles the driver-specific connection string. Credentials are
// interpolated here and nowhere else; the DSN is never logged.
func buildDSN(kind Kind, desc Descriptor, creds Credentials) (driverName, dsn string, err error) {
	switch kind {
	case KindPostgres:
		u := url.URL{
			Scheme: "postgres",
			Host:   fmt.Sprintf("%s:%d", desc.Host, desc.Port),
			Path:   "/" + desc.Database,
		}
		if creds.Username != "" {
			u.User = url.UserPassword(creds.Username, creds.Password)
		}
		q := u.Query()
		if desc.TLS {
			q.Set("sslmode", "require")
		} else {
			q.Set("sslmode", "disable")
		}
		for k, v := range desc.Options {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		return "pgx", u.String(), nil

	case KindMySQL:
		tls := "false"
		if desc.TLS {
			tls = "true"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&tls=%s",
			creds.Username, creds.Password, desc.Host, desc.Port, desc.Database, tls)
		for k, v := range desc.Options {
			dsn += "&" + url.QueryEscape(k) + "=" + url.QueryEscape(v)
		}
		return "mysql", dsn, nil

	case KindSQLite:
		// Database is the file path; host/port/credentials do not apply.
		return "sqlite", desc.Database, nil

	default:
		return "", "", fault.New(fault.KindUnsupportedOperation, "mcp", "connect",
			fmt.Sprintf("sql driver cannot dial kind %q", kind))
	}
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password authentication failed") ||
		strings.Contains(msg, "access denied") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "28p01") // postgres invalid_password
}

// sqlConn adapts one database/sql connection to the Conn capability set.
type sqlConn struct {
	db        *sql.DB
	tx        *sql.Tx
	component string
}

func (c *sqlConn) Execute(ctx context.Context, req Request) (*QueryResult, error) {
	if req.SQL == "" {
		return nil, fault.New(fault.KindInvalidOperation, c.component, "execute",
			"sql backend requires sql text")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	if isRowReturning(req.SQL) {
		rows, err := c.query(ctx, req.SQL, req.Params...)
		if err != nil {
			return nil, classifyExecError(c.component, "execute", err)
		}
		defer rows.Close()
		result, err := normalizeRows(rows)
		if err != nil {
			return nil, classifyExecError(c.component, "execute", err)
		}
		result.Duration = time.Since(start)
		return result, nil
	}

	res, err := c.exec(ctx, req.SQL, req.Params...)
	if err != nil {
		return nil, classifyExecError(c.component, "execute", err)
	}
	affected, _ := res.RowsAffected()
	return &QueryResult{RowCount: affected, Duration: time.Since(start)}, nil
}

func (c *sqlConn) ExecuteDDL(ctx context.Context, statement string) error {
	_, err := c.exec(ctx, statement)
	return classifyExecError(c.component, "execute_ddl", err)
}

func (c *sqlConn) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.db.PingContext(ctx); err != nil {
		return 0, fault.Wrap(fault.KindConnectionFailed, c.component, "ping", err)
	}
	return time.Since(start), nil
}

func (c *sqlConn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return fault.New(fault.KindTransactionFailed, c.component, "begin", "transaction already open")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.KindTransactionFailed, c.component, "begin", err).WithCode(DriverCode(err))
	}
	c.tx = tx
	return nil
}

func (c *sqlConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return fault.New(fault.KindTransactionFailed, c.component, "commit", "no open transaction")
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return fault.Wrap(fault.KindTransactionFailed, c.component, "commit", err).WithCode(DriverCode(err))
	}
	return nil
}

func (c *sqlConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return fault.New(fault.KindTransactionFailed, c.component, "rollback", "no open transaction")
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil {
		return fault.Wrap(fault.KindTransactionFailed, c.component, "rollback", err).WithCode(DriverCode(err))
	}
	return nil
}

func (c *sqlConn) InTx() bool { return c.tx != nil }

func (c *sqlConn) Close() error { return c.db.Close() }

// query and exec route through the open transaction when one exists.
func (c *sqlConn) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	if c.tx != nil {
		return c.tx.QueryContext(ctx, q, args...)
	}
	return c.db.QueryContext(ctx, q, args...)
}

func (c *sqlConn) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if c.tx != nil {
		return c.tx.ExecContext(ctx, q, args...)
	}
	return c.db.ExecContext(ctx, q, args...)
}

// isRowReturning decides whether to scan rows or collect an affected count.
// RETURNING clauses make mutations row-returning.
func isRowReturning(query string) bool {
	head := firstKeyword(query)
	switch head {
	case "SELECT", "SHOW", "EXPLAIN", "WITH", "DESCRIBE", "PRAGMA", "VALUES":
		return true
	}
	return strings.Contains(strings.ToUpper(query), "RETURNING")
}

func firstKeyword(query string) string {
	for _, field := range strings.Fields(query) {
		if strings.HasPrefix(field, "--") || strings.HasPrefix(field, "/*") {
			continue
		}
		return strings.ToUpper(strings.TrimLeft(field, "("))
	}
	return ""
}

// normalizeRows converts driver rows to the canonical QueryResult. Byte
// slices stay byte slices (binary/large columns); timestamps come back as
// timezone-aware time.Time from the drivers.
func normalizeRows(rows *sql.Rows) (*QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := &QueryResult{Columns: cols}
	for rows.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, cells)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.RowCount = int64(len(result.Rows))
	return result, nil
}
