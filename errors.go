package picolog

import "fmt"

// ConfigError reports an invalid or unsupported channel/rate configuration.
// It is returned synchronously; a session never starts with one pending.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// AcquisitionError wraps a hardware read or setup failure. A read failure
// mid-session is fatal to that session: the acquisition loop stops itself
// and does not retry.
type AcquisitionError struct {
	Op  string
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquisition %s failed: %v", e.Op, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// FormulaError reports a math-channel formula rejected at registration.
// Registration is atomic: a rejected formula leaves the engine unchanged.
type FormulaError struct {
	Formula string
	Reason  string
}

func (e *FormulaError) Error() string {
	return fmt.Sprintf("formula %q rejected: %s", e.Formula, e.Reason)
}

// SinkWriteError reports a CSV write or flush failure. The sink loop
// reports it and keeps draining; it does not crash the acquisition side.
type SinkWriteError struct {
	Path string
	Err  error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("CSV sink %s: write failed: %v", e.Path, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }
