package errx

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestError_Unwrap(t *testing.T) {
	base := errors.New("boom")
	err := New(base, http.StatusTeapot, "short and stout")

	assert.ErrorIs(t, err, base)
	assert.Equal(t, "short and stout: boom", err.Error())
	assert.Equal(t, http.StatusTeapot, StatusOf(err))
	assert.Equal(t, "short and stout", SafeMessage(err))
}

func TestError_Fatal(t *testing.T) {
	base := errors.New("disk full")

	assert.True(t, IsFatal(Fatal(base, "write failed")))
	assert.True(t, IsFatal(fmt.Errorf("node escalate: %w", Fatal(base, "write failed"))))
	assert.False(t, IsFatal(New(base, http.StatusBadGateway, "x")))
	assert.False(t, IsFatal(base))
	assert.False(t, IsFatal(nil))
	// fatal error nested inside a non-fatal wrapper
	assert.True(t, IsFatal(New(Fatal(base, "inner"), http.StatusBadGateway, "outer")))
}

func TestWrapRedis(t *testing.T) {
	assert.NoError(t, WrapRedis(nil))
	assert.Equal(t, http.StatusNotFound, StatusOf(WrapRedis(redis.Nil)))
	assert.Equal(t, http.StatusBadGateway, StatusOf(WrapRedis(errors.New("conn refused"))))
}

func TestWrapStore(t *testing.T) {
	assert.NoError(t, WrapStore(nil))
	err := WrapStore(sql.ErrNoRows)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.Equal(t, http.StatusNotFound, StatusOf(err))
	assert.Equal(t, StoreErrorMessage, SafeMessage(WrapStore(errors.New("syntax"))))
}

func TestStatusOf_Default(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("plain")))
	assert.Equal(t, SystemErrorMessage, SafeMessage(errors.New("plain")))
}
