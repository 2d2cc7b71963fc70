/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package sqldb

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
)

// Error taxonomy. Connection-level errors (ErrBackendUnavailable, ErrPoolTimeout)
// are retryable from the caller's point of view; statement-level errors
// (ErrConstraintViolation, ErrSyntax) are not. The core never retries on its
// own because statement idempotence is caller-dependent.
var (
	// ErrPoolTimeout is returned when Acquire gives up waiting for a free connection.
	ErrPoolTimeout = errors.New("sqldb: pool acquire timed out")
	// ErrPoolClosed is returned for operations on a drained pool.
	ErrPoolClosed = errors.New("sqldb: pool is closed")
	// ErrBackendUnavailable marks connection-level failures; the handle involved is tainted.
	ErrBackendUnavailable = errors.New("sqldb: backend unavailable")
	// ErrConstraintViolation marks statement-level integrity failures.
	ErrConstraintViolation = errors.New("sqldb: constraint violation")
	// ErrSyntax marks malformed or unplannable statements.
	ErrSyntax = errors.New("sqldb: statement syntax error")
	// ErrTxClosed is returned when a statement is issued on a committed or rolled-back transaction.
	ErrTxClosed = errors.New("sqldb: transaction is closed")
	// ErrMigrationVersionMismatch aborts startup when the persisted schema version
	// cannot be reconciled with the configured migration set.
	ErrMigrationVersionMismatch = errors.New("sqldb: schema version mismatch")
)

// wrapKind attaches a taxonomy sentinel to a backend error, keeping both
// reachable through errors.Is/As.
func wrapKind(kind, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}

// IsRetryable reports whether the error is connection-level and worth retrying
// on a fresh connection.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrPoolTimeout)
}

// classifyCommon handles errors that look the same regardless of the backend
// variant: context cancellation, closed drivers, and plain network failures.
// It returns nil when the error needs variant-specific classification.
func classifyCommon(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return wrapKind(ErrBackendUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return wrapKind(ErrBackendUnavailable, err)
	}
	return nil
}

// isConnFailure reports whether an already-classified error means the
// underlying connection must not be reused.
func isConnFailure(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
