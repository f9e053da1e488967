package onvif

import (
	"fmt"
	"net"
	"syscall"

	"github.com/juju/errors"
)

// Caller-sequencing errors for GetStreamUri.
const (
	// ErrMissingProfileToken is returned when a StreamURI request is
	// built without a profile token.
	ErrMissingProfileToken = errors.ConstError("onvif: profile token required for GetStreamUri")

	// ErrNoProfilesAvailable is returned when the device reports zero
	// media profiles, so no stream URI can be requested.
	ErrNoProfilesAvailable = errors.ConstError("onvif: device reported no media profiles")
)

// ProtocolFault is a SOAP Fault returned by the device in place of a
// normal response body.
type ProtocolFault struct {
	Code   string
	Reason string
}

func (f *ProtocolFault) Error() string {
	return fmt.Sprintf("onvif: SOAP fault %s: %s", f.Code, f.Reason)
}

// IsProtocolFault reports whether err is (or wraps) a SOAP fault.
func IsProtocolFault(err error) bool {
	var f *ProtocolFault
	return errors.As(err, &f)
}

// MalformedResponseError indicates a response that parsed as XML but
// did not contain the element(s) expected for the request kind.
type MalformedResponseError struct {
	Kind    Kind
	Missing string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("onvif: malformed %s response: no %s element", e.Kind, e.Missing)
}

// IsMalformedResponse reports whether err is (or wraps) a malformed
// response error.
func IsMalformedResponse(err error) bool {
	var m *MalformedResponseError
	return errors.As(err, &m)
}

// DispatchError is a per-call network or HTTP failure while sending a
// request to a device. It is surfaced to the caller without retry.
type DispatchError struct {
	Kind     Kind
	Endpoint string
	Status   int // non-zero for HTTP-level failures
	Err      error
}

func (e *DispatchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("onvif: %s to %s failed: HTTP %d", e.Kind, e.Endpoint, e.Status)
	}
	return fmt.Sprintf("onvif: %s to %s failed: %v", e.Kind, e.Endpoint, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Timeout reports whether the dispatch failed because the bounded
// request timeout elapsed.
func (e *DispatchError) Timeout() bool {
	var nerr net.Error
	return errors.As(e.Err, &nerr) && nerr.Timeout()
}

// ConnectionRefused reports whether the device actively refused the
// connection.
func (e *DispatchError) ConnectionRefused() bool {
	return errors.Is(e.Err, syscall.ECONNREFUSED)
}

// HTTPError reports whether the device answered with an HTTP error
// status, and which one.
func (e *DispatchError) HTTPError() (int, bool) {
	return e.Status, e.Status != 0
}
