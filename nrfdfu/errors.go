package nrfdfu

import (
	"fmt"

	"github.com/pkg/errors"
)

// Package loading errors. Callers match them with errors.Is.
var (
	ErrMalformedManifest    = errors.New("malformed package manifest")
	ErrMissingMember        = errors.New("missing package member")
	ErrSizeMismatch         = errors.New("package member size mismatch")
	ErrUnsupportedImageKind = errors.New("unsupported image kind")
)

// DfuError is a peripheral-side rejection of a control point opcode. It is
// fatal: the bootloader reported its reason and retrying the same request
// will not change the outcome.
type DfuError struct {
	// Op is the operation that was rejected.
	Op string
	// Code is the result code reported by the peripheral.
	Code byte
}

func (e *DfuError) Error() string {
	return fmt.Sprintf("%s failed: %s (0x%02x)", e.Op, resultName(e.Code), e.Code)
}

// CrcMismatchError reports an integrity checkpoint where the peripheral's
// (offset, crc) did not match the locally computed values. The reported
// fields carry the peripheral's view so the caller can resume from a
// verified point instead of a locally assumed one.
type CrcMismatchError struct {
	ExpectedOffset int
	ExpectedCRC    uint32
	ReportedOffset int
	ReportedCRC    uint32
}

func (e *CrcMismatchError) Error() string {
	return fmt.Sprintf("crc mismatch: sent %d bytes with crc 0x%08x, peripheral reports offset %d crc 0x%08x",
		e.ExpectedOffset, e.ExpectedCRC, e.ReportedOffset, e.ReportedCRC)
}

// TransferAbortedError indicates the retry budget for an object transfer
// was exhausted.
type TransferAbortedError struct {
	Attempts int
	Err      error
}

func (e *TransferAbortedError) Error() string {
	return fmt.Sprintf("transfer aborted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransferAbortedError) Unwrap() error {
	return e.Err
}

// NoMatchingImageError indicates the loaded package carries no image of
// the kind the requested update mode needs.
type NoMatchingImageError struct {
	Mode Mode
}

func (e *NoMatchingImageError) Error() string {
	return fmt.Sprintf("package has no image for mode %q", string(e.Mode))
}
