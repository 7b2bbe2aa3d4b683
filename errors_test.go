package picolog

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestErrorMessagesAndUnwrap(t *testing.T) {
	cfgErr := &ConfigError{Field: "SampleRateHz", Reason: "too fast"}
	if !strings.Contains(cfgErr.Error(), "SampleRateHz") {
		t.Errorf("ConfigError message = %q", cfgErr.Error())
	}

	acqErr := &AcquisitionError{Op: "read", Err: io.ErrUnexpectedEOF}
	if !errors.Is(acqErr, io.ErrUnexpectedEOF) {
		t.Errorf("AcquisitionError should unwrap to its cause")
	}

	sinkErr := &SinkWriteError{Path: "/tmp/x.csv", Err: io.ErrShortWrite}
	if !errors.Is(sinkErr, io.ErrShortWrite) {
		t.Errorf("SinkWriteError should unwrap to its cause")
	}

	fErr := &FormulaError{Formula: "A+", Reason: "unexpected end of formula"}
	if !strings.Contains(fErr.Error(), "A+") {
		t.Errorf("FormulaError message = %q", fErr.Error())
	}
}
