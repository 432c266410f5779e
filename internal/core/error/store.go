package errx

import (
	"database/sql"
	"errors"
	"net/http"
)

// WrapStore maps SQL store errors to the unified AppError type. Used by the
// event store and the audit log writers.
func WrapStore(err error) *AppError {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return New(err, http.StatusNotFound, "record not found")
	}

	return New(join(ErrPersistence, err), http.StatusInternalServerError, PersistenceErrorMessage)
}
