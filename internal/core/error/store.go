package errx

import (
	"database/sql"
	"errors"
	"net/http"
)

// WrapStore maps database/sql errors to the unified Error type.
func WrapStore(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return New(err, http.StatusNotFound, NotFoundMessage)
	}

	return New(err, http.StatusBadGateway, StoreErrorMessage)
}
