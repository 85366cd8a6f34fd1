package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestWithRetry(t *testing.T) {
	serialization := fmt.Errorf("storage: commit tx: %w", &pgconn.PgError{Code: "40001"})

	t.Run("retries transient conflicts until success", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return serialization
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
			calls++
			return &pgconn.PgError{Code: "40P01"}
		})
		assert.True(t, isRetriable(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
			calls++
			return boom
		})
		assert.Equal(t, boom, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when the context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WithRetry(ctx, 3, time.Second, func() error { return serialization })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNotFound(t *testing.T) {
	assert.ErrorIs(t, notFound(fmt.Errorf("scan: %w", pgx.ErrNoRows)), ErrNotFound)
	other := errors.New("other")
	assert.Equal(t, other, notFound(other))
}
