package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "tenant mismatch", err: ErrTenantMismatch, want: true},
		{name: "wrapped tenant mismatch", err: fmt.Errorf("create document: %w", ErrTenantMismatch), want: true},
		{name: "not found", err: ErrNotFound, want: true},
		{name: "no scope", err: ErrNoTenantScope, want: true},
		{name: "conflict", err: ErrConflict, want: false},
		{name: "other", err: errors.New("connection reset"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}
