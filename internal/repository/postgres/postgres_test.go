package postgres

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://u:p@db:5432/n?sslmode=disable", "pgx5://u:p@db:5432/n?sslmode=disable"},
		{"postgresql://db/n", "pgx5://db/n"},
		{"pgx5://db/n", "pgx5://db/n"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, migrateURL(tt.in))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "notification_logs_correlation_id_key"}

	assert.True(t, isUniqueViolation(dup, "correlation_id"))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", dup), "correlation_id"))
	assert.False(t, isUniqueViolation(dup, "name"))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}, "correlation_id"))
	assert.False(t, isUniqueViolation(errors.New("duplicate key"), "correlation_id"))
}

func TestMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrations, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrations, "migrations/*.down.sql")
	require.NoError(t, err)

	assert.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}
