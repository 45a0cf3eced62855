package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	require.False(t, IsDuplicateKeyErr(nil))
	require.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	require.True(t, IsDuplicateKeyErr(fmt.Errorf("insert device: %w", &pgconn.PgError{Code: "23505"})))
	require.False(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "40001"}))
	require.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: devices.org_id, devices.device_code")))
	require.False(t, IsDuplicateKeyErr(errors.New("connection refused")))
}
