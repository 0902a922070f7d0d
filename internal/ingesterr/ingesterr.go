// Package ingesterr is the error taxonomy of the ingestion pipeline.
package ingesterr

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	CodeSourceUnavailable Code = "source_unavailable"
	CodeSchemaApplication Code = "schema_application"
	CodePartialIngest     Code = "partial_ingest"
	CodeDanglingReference Code = "dangling_reference"
	CodeStoreTransient    Code = "store_transient"
	CodeInvalidMutation   Code = "invalid_mutation"
	CodeRunInProgress     Code = "run_in_progress"
)

type Error struct {
	Code    Code
	Stage   string
	Key     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "ingest error"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ingest %s", e.Code)
	if e.Stage != "" {
		fmt.Fprintf(&b, " (stage=%s)", e.Stage)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " key=%s", e.Key)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func SourceUnavailable(query string, cause error) error {
	return &Error{Code: CodeSourceUnavailable, Message: "query " + query, Cause: cause}
}

func SchemaApplication(statement string, cause error) error {
	return &Error{Code: CodeSchemaApplication, Stage: "schema", Message: truncate(statement, 120), Cause: cause}
}

func DanglingReference(key string, missing string) error {
	return &Error{Code: CodeDanglingReference, Key: key, Message: "no node for " + missing}
}

func StoreTransient(op string, cause error) error {
	return &Error{Code: CodeStoreTransient, Message: op, Cause: cause}
}

func InvalidMutation(key string, cause error) error {
	return &Error{Code: CodeInvalidMutation, Key: key, Cause: cause}
}

func RunInProgress(holder string) error {
	return &Error{Code: CodeRunInProgress, Message: "lease held by " + holder}
}

// PartialIngestError summarizes the records of one stage that failed after retries.
type PartialIngestError struct {
	Stage     string
	Attempted int
	Failed    int
	Keys      []string
	// Aborted is set when the failure ratio crossed the threshold and the stage stopped early.
	Aborted bool
}

func (e *PartialIngestError) Error() string {
	if e == nil {
		return "ingest partial_ingest"
	}
	verb := "degraded"
	if e.Aborted {
		verb = "aborted"
	}
	msg := fmt.Sprintf("ingest %s (stage=%s): %s, %d of %d records failed", CodePartialIngest, e.Stage, verb, e.Failed, e.Attempted)
	if len(e.Keys) > 0 {
		msg += ": " + strings.Join(e.Keys, ", ")
		if e.Failed > len(e.Keys) {
			msg += fmt.Sprintf(" (+%d more)", e.Failed-len(e.Keys))
		}
	}
	return msg
}

// CodeOf returns the taxonomy code carried by err, or "" when err is outside the taxonomy.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var pe *PartialIngestError
	if errors.As(err, &pe) {
		return CodePartialIngest
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func IsTransient(err error) bool {
	return Is(err, CodeStoreTransient)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
