package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "gorm translated", err: fmt.Errorf("insert plan: %w", gorm.ErrDuplicatedKey), want: true},
		{name: "pg error", err: fmt.Errorf("insert plan: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{name: "pg other code", err: &pgconn.PgError{Code: "23514"}, want: false},
		{name: "sqlite", err: errors.New("UNIQUE constraint failed: plans.tenant_id"), want: true},
		{name: "unrelated", err: errors.New("connection refused"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsUniqueViolation(tc.err))
		})
	}
}

func TestIsCheckViolation(t *testing.T) {
	assert.False(t, IsCheckViolation(nil))
	assert.True(t, IsCheckViolation(&pgconn.PgError{Code: "23514"}))
	assert.True(t, IsCheckViolation(errors.New("CHECK constraint failed: current_usage >= 0")))
	assert.False(t, IsCheckViolation(&pgconn.PgError{Code: "23505"}))
}
