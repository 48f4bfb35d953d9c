package db

import (
	"context"
	"testing"
)

func TestValidSchema(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"labs", true},
		{"ingest_portal", true},
		{"_private", true},
		{"Schema1", true},
		{"1schema", false},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"", false},
		{"drop;table", false},
	}
	for _, tt := range tests {
		if got := ValidSchema(tt.input); got != tt.valid {
			t.Errorf("ValidSchema(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestInTx_NoPool(t *testing.T) {
	called := false
	err := InTx(context.Background(), nil, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Error("expected error without a pool")
	}
	if called {
		t.Error("fn must not run without a transaction")
	}
}

func TestEnsureSchema_InvalidNames(t *testing.T) {
	for _, name := range []string{"with-dash", "with.dot", "sp ace", "drop;table", ""} {
		if _, err := EnsureSchema(context.Background(), nil, name, nil); err == nil {
			t.Errorf("expected error for invalid schema %q", name)
		}
	}
}
