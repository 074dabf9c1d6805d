package ingestion

import "fmt"

// SourceError reports that a capsule source could not be resolved into text
type SourceError struct {
	Ref     string
	Message string
	Cause   error
}

func (e *SourceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("source %s: %s: %v", e.Ref, e.Message, e.Cause)
	}
	return fmt.Sprintf("source %s: %s", e.Ref, e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Cause
}
