package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "gorm", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), want: true},
		{name: "pg", err: &pgconn.PgError{Code: "23505"}, want: true},
		{name: "pg_other", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "sqlite", err: errors.New("UNIQUE constraint failed: ledger_entries.send_attempt_id"), want: true},
		{name: "mysql", err: errors.New("Error 1062: Duplicate entry"), want: true},
		{name: "other", err: errors.New("connection refused"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsDuplicateKeyErr(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestDialectRejectsUnknownType(t *testing.T) {
	if _, err := Dialect(Config{Type: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
	d, err := Dialect(Config{Type: "sqlite", DSN: "file::memory:"})
	if err != nil || d.Name() != "sqlite" {
		t.Fatalf("expected sqlite dialector, got %v %v", d, err)
	}
}
