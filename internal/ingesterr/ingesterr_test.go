package ingesterr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("countries: %w", SourceUnavailable("country_codes", errors.New("no such file")))
	if got := CodeOf(err); got != CodeSourceUnavailable {
		t.Fatalf("CodeOf: want=%q got=%q", CodeSourceUnavailable, got)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}

func TestStoreTransientUnwraps(t *testing.T) {
	err := StoreTransient("apply chunk", context.DeadlineExceeded)
	if !IsTransient(err) {
		t.Fatalf("IsTransient: want=true")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("errors.Is should reach the cause")
	}
}

func TestPartialIngestErrorMessage(t *testing.T) {
	err := &PartialIngestError{Stage: "flows", Attempted: 10, Failed: 1, Keys: []string{"2020/USA->XXX/C10"}}
	if CodeOf(err) != CodePartialIngest {
		t.Fatalf("CodeOf: want=%q got=%q", CodePartialIngest, CodeOf(err))
	}
	msg := err.Error()
	if !strings.Contains(msg, "degraded") || !strings.Contains(msg, "2020/USA->XXX/C10") {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestPartialIngestErrorCountsOmittedKeys(t *testing.T) {
	err := &PartialIngestError{Stage: "countries", Attempted: 40, Failed: 40, Keys: []string{"Country:AAA", "Country:AAB"}, Aborted: true}
	msg := err.Error()
	if !strings.HasSuffix(msg, "Country:AAA, Country:AAB (+38 more)") {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestSchemaApplicationTruncates(t *testing.T) {
	stmt := "CREATE CONSTRAINT x IF NOT EXISTS\n   FOR (c:Country) REQUIRE c.iso3_code IS UNIQUE" + strings.Repeat(" x", 200)
	err := SchemaApplication(stmt, errors.New("boom"))
	if !strings.Contains(err.Error(), "CREATE CONSTRAINT x IF NOT EXISTS FOR") {
		t.Fatalf("statement should be whitespace-collapsed: %s", err.Error())
	}
	if !strings.Contains(err.Error(), "...") {
		t.Fatalf("long statement should be truncated")
	}
}
