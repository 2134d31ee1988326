package mcp

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/querypilot/querypilot/pkg/fault"
)

// Transient driver code sets. The lists are deliberately conservative:
// retrying a non-idempotent statement on an ambiguous failure is worse than
// surfacing the error.
//
// Postgres: class 08 (connection exceptions), 40001 (serialization
// failure), 40P01 (deadlock detected), 57P03 (cannot connect now).
// MySQL: 1205 (lock wait timeout), 1213 (deadlock), 2006 (server gone
// away), 2013 (lost connection).
var (
	pgTransientCodes = map[string]bool{
		"40001": true,
		"40P01": true,
		"57P03": true,
	}
	mysqlTransientCodes = map[uint16]bool{
		1205: true,
		1213: true,
		2006: true,
		2013: true,
	}
)

// Retryable reports whether an execution error is transient: a disconnect,
// a deadlock/serialization retry hint, or a recoverable driver error.
// Cancellation and deadline errors are never retryable — the caller's
// deadline governs.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Safety and validation outcomes must never be retried.
	switch fault.KindOf(err) {
	case fault.KindSafetyDenied, fault.KindApprovalRejected, fault.KindApprovalRequired,
		fault.KindInvalidParams, fault.KindInvalidOperation, fault.KindUnsupportedOperation,
		fault.KindCapabilityDenied, fault.KindAuthFailed:
		return false
	}

	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgTransientCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08")
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlTransientCodes[myErr.Number]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return hasConnectionErrorString(err)
}

// hasConnectionErrorString catches transport failures from drivers that
// only expose message text.
func hasConnectionErrorString(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// DriverCode extracts the native driver code from an error chain, empty
// when the driver exposes none.
func DriverCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlErrorCode(myErr)
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func mysqlErrorCode(err *mysql.MySQLError) string {
	return "mysql-" + strconv.Itoa(int(err.Number))
}

// classifyExecError wraps a driver error with the coarse kind required for
// routing, preserving the native code.
func classifyExecError(component, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCancelled, component, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, component, op, err)
	}
	kind := fault.KindQueryFailed
	if op == "execute_ddl" {
		kind = fault.KindDDLFailed
	}
	return fault.Wrap(kind, component, op, err).WithCode(DriverCode(err))
}
