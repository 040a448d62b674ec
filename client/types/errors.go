package types

import "fmt"

// ConfigurationError is fatal: the process must exit before serving.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Err: fmt.Errorf(format, args...)}
}

// TransientNetworkError is retried with backoff; it does not fail a session
// unless the deadline elapses first.
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// VerificationError marks a peer contribution that failed signature
// verification. The contribution is discarded; the session continues.
type VerificationError struct {
	SignerID string
	Err      error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification error for signer %s: %v", e.SignerID, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// QuorumUnreachableError means too many peers disagree or are unreachable
// for the threshold to ever be met before the deadline.
type QuorumUnreachableError struct {
	TaskID string
	Reason string
}

func (e *QuorumUnreachableError) Error() string {
	return fmt.Sprintf("quorum unreachable for task %s: %s", e.TaskID, e.Reason)
}

// SubmissionError means the orchestrator rejected the result or was
// unreachable after the bounded number of attempts.
type SubmissionError struct {
	TaskID string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission error for task %s: %v", e.TaskID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
