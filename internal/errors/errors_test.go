// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package errors

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestUserErrorError(t *testing.T) {
	tests := []struct {
		name string
		err  *UserError
		want string
	}{
		{
			name: "message with wrapped cause",
			err: &UserError{
				Message: "Cannot open the metadata store",
				Err:     fmt.Errorf("database is locked"),
			},
			want: "Cannot open the metadata store: database is locked",
		},
		{
			name: "message only",
			err:  &UserError{Message: "Project not found"},
			want: "Project not found",
		},
		{
			name: "empty",
			err:  &UserError{},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	if got := (&UserError{Message: "m", Err: inner}).Unwrap(); got != inner {
		t.Errorf("Unwrap() = %v, want the wrapped error", got)
	}
	if got := (&UserError{Message: "m"}).Unwrap(); got != nil {
		t.Errorf("Unwrap() without a wrapped error = %v, want nil", got)
	}
}

// Exit codes are part of the CLI contract; scripts branch on them.
func TestExitCodeValues(t *testing.T) {
	want := map[string]int{
		"ExitSuccess":    0,
		"ExitConfig":     1,
		"ExitDatabase":   2,
		"ExitNetwork":    3,
		"ExitInput":      4,
		"ExitPermission": 5,
		"ExitNotFound":   6,
		"ExitInternal":   10,
	}
	got := map[string]int{
		"ExitSuccess":    ExitSuccess,
		"ExitConfig":     ExitConfig,
		"ExitDatabase":   ExitDatabase,
		"ExitNetwork":    ExitNetwork,
		"ExitInput":      ExitInput,
		"ExitPermission": ExitPermission,
		"ExitNotFound":   ExitNotFound,
		"ExitInternal":   ExitInternal,
	}
	seen := make(map[int]string)
	for name, code := range got {
		if code != want[name] {
			t.Errorf("%s = %d, want %d", name, code, want[name])
		}
		if prev, dup := seen[code]; dup {
			t.Errorf("%s and %s share exit code %d", prev, name, code)
		}
		seen[code] = name
	}
}

func TestConstructors(t *testing.T) {
	wrapped := fmt.Errorf("dial tcp: connection refused")

	tests := []struct {
		name     string
		err      *UserError
		wantCode int
		wantErr  error
	}{
		{
			name: "config",
			err: NewConfigError("Cannot load isle configuration",
				"config.yaml has a syntax error", "Run 'isle init' to write a fresh one", wrapped),
			wantCode: ExitConfig,
			wantErr:  wrapped,
		},
		{
			name: "database",
			err: NewDatabaseError("Cannot open the metadata store",
				"another isle process holds the lock", "Wait for the other process to finish", wrapped),
			wantCode: ExitDatabase,
			wantErr:  wrapped,
		},
		{
			name: "network",
			err: NewNetworkError("Cannot reach the vector store",
				"connection refused", "Check that the store is running", wrapped),
			wantCode: ExitNetwork,
			wantErr:  wrapped,
		},
		{
			name:     "input carries no wrapped error",
			err:      NewInputError("Unknown crawl mode", "mode must be single, sitemap or recursive", ""),
			wantCode: ExitInput,
		},
		{
			name: "permission",
			err: NewPermissionError("Cannot write the index lock",
				"permission denied", "Check ownership of ~/.isle", wrapped),
			wantCode: ExitPermission,
			wantErr:  wrapped,
		},
		{
			name:     "not found carries no wrapped error",
			err:      NewNotFoundError("No such job", "job id is unknown", "Run 'isle jobs list'"),
			wantCode: ExitNotFound,
		},
		{
			name:     "internal",
			err:      NewInternalError("Job handler panicked", "", "", wrapped),
			wantCode: ExitInternal,
			wantErr:  wrapped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Message == "" {
				t.Error("constructor dropped the message")
			}
			if tt.err.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", tt.err.ExitCode, tt.wantCode)
			}
			if tt.err.Err != tt.wantErr {
				t.Errorf("Err = %v, want %v", tt.err.Err, tt.wantErr)
			}
		})
	}
}

func TestErrorChainInterop(t *testing.T) {
	sentinel := errors.New("database is locked")
	userErr := NewDatabaseError("Cannot open the metadata store", "", "",
		fmt.Errorf("open meta.db: %w", sentinel))

	if !errors.Is(userErr, sentinel) {
		t.Error("errors.Is should see through UserError wrapping")
	}

	var target *UserError
	if !errors.As(fmt.Errorf("ingest: %w", userErr), &target) {
		t.Fatal("errors.As should extract a wrapped UserError")
	}
	if target.ExitCode != ExitDatabase {
		t.Errorf("extracted ExitCode = %d, want %d", target.ExitCode, ExitDatabase)
	}
}

func TestErrorChainNested(t *testing.T) {
	inner := NewNetworkError("Embedding service unreachable", "", "", errors.New("timeout"))
	outer := NewInternalError("Ingestion failed", "", "", inner)

	var first *UserError
	if !errors.As(outer, &first) {
		t.Fatal("errors.As should extract the outer UserError")
	}
	if first.ExitCode != ExitInternal {
		t.Errorf("outer ExitCode = %d, want %d", first.ExitCode, ExitInternal)
	}

	var second *UserError
	if !errors.As(first.Err, &second) {
		t.Fatal("errors.As should extract the inner UserError from the chain")
	}
	if second.ExitCode != ExitNetwork {
		t.Errorf("inner ExitCode = %d, want %d", second.ExitCode, ExitNetwork)
	}
}

func TestFormat(t *testing.T) {
	err := &UserError{
		Message:  "Cannot open the metadata store",
		Cause:    "another isle process holds the lock",
		Fix:      "Wait for the other process to finish, or remove a stale lock",
		ExitCode: ExitDatabase,
	}

	got := err.Format(true)
	for _, want := range []string{
		"Error: Cannot open the metadata store",
		"Cause: another isle process holds the lock",
		"Fix:   Wait for the other process to finish",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Format() missing %q:\n%s", want, got)
		}
	}
}

func TestFormatOmitsEmptySections(t *testing.T) {
	got := (&UserError{Message: "Project not found", ExitCode: ExitNotFound}).Format(true)
	if strings.Contains(got, "Cause:") || strings.Contains(got, "Fix:") {
		t.Errorf("Format() should omit empty sections:\n%s", got)
	}
	if !strings.Contains(got, "Error: Project not found") {
		t.Errorf("Format() missing the message:\n%s", got)
	}
}

func TestFormatHonorsNoColorEnv(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	err := &UserError{Message: "m", Cause: "c", Fix: "f", ExitCode: ExitConfig}
	if out := err.Format(false); strings.Contains(out, "\x1b[") {
		t.Error("Format() emitted ANSI codes with NO_COLOR set")
	}
}

func TestToJSON(t *testing.T) {
	err := &UserError{
		Message:  "Cannot load isle configuration",
		Cause:    "config.yaml: unknown field 'vectorr'",
		Fix:      "Run: isle init",
		ExitCode: ExitConfig,
	}

	got := err.ToJSON()
	if got.Error != err.Message || got.Cause != err.Cause || got.Fix != err.Fix {
		t.Errorf("ToJSON() = %+v, want the error's fields", got)
	}
	if got.ExitCode != ExitConfig {
		t.Errorf("ToJSON().ExitCode = %d, want %d", got.ExitCode, ExitConfig)
	}

	minimal := (&UserError{Message: "boom", ExitCode: ExitInternal}).ToJSON()
	if minimal.Cause != "" || minimal.Fix != "" {
		t.Errorf("ToJSON() invented cause/fix: %+v", minimal)
	}
}

// FatalError calls os.Exit for real errors, which a unit test cannot
// cross; only the nil no-op is checkable here.
func TestFatalErrorNilIsNoOp(t *testing.T) {
	FatalError(nil, false)
	FatalError(nil, true)
	_ = os.Getpid() // still alive
}
