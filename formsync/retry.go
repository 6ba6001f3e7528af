// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formsync

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isRetryablePGTxError reports whether a Postgres error is transient enough
// that the client should keep the item queued and retry on a later drain.
func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}
