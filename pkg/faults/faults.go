// Package faults defines the closed error taxonomy of the gateway. Every
// error that can reach a caller is classified as exactly one Kind, and the
// formatting stage decides per Kind what may be disclosed. Unclassified
// errors default to KindInternal and are masked.
package faults

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/operationreport"
)

// Kind is the origin class of a gateway error.
type Kind int

const (
	// KindInternal is the zero value on purpose: an error nobody classified
	// must never leak its message to the caller.
	KindInternal Kind = iota
	KindAuthentication
	KindCallerInput
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindAuthentication:
		return "authentication"
	case KindCallerInput:
		return "caller_input"
	case KindBackend:
		return "backend"
	}
	return "unknown"
}

// GatewayError is the one error record that flows through the pipeline.
// Err carries the originating error for logs and the fault sink; it is
// never serialized. Sink marks authentication faults that must reach the
// sink anyway, i.e. dependency outages disclosed to the caller as
// credential failures.
type GatewayError struct {
	Kind       Kind
	Message    string
	Locations  []operationreport.Location
	Path       json.RawMessage
	Extensions map[string]json.RawMessage
	Err        error
	Sink       bool
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Internal wraps an unexpected local fault. The message survives into logs
// and the sink; the caller only ever sees the generic string.
func Internal(err error) *GatewayError {
	if err == nil {
		err = errors.New("internal fault")
	}
	return &GatewayError{Kind: KindInternal, Message: err.Error(), Err: err}
}

// Authentication reports a credential the caller can fix: missing from the
// request or not provisioned.
func Authentication(message string) *GatewayError {
	return &GatewayError{Kind: KindAuthentication, Message: message}
}

// AuthenticationOutage reports a credential lookup that failed because the
// store was unavailable. The caller sees the same message as for a bad
// credential; the wrapped cause goes to the fault sink.
func AuthenticationOutage(message string, err error) *GatewayError {
	return &GatewayError{Kind: KindAuthentication, Message: message, Err: err, Sink: true}
}

// CallerInput reports a malformed or unresolvable request: syntax errors,
// validation failures, unresolvable operation names.
func CallerInput(message string) *GatewayError {
	return &GatewayError{Kind: KindCallerInput, Message: message}
}

// FromReport converts a parser or validator report into gateway errors.
// External errors are caller mistakes and keep message and position;
// internal errors are tool faults and stay masked.
func FromReport(report *operationreport.Report) []*GatewayError {
	out := make([]*GatewayError, 0, len(report.InternalErrors)+len(report.ExternalErrors))
	for _, internalErr := range report.InternalErrors {
		out = append(out, Internal(internalErr))
	}
	for i := range report.ExternalErrors {
		external := report.ExternalErrors[i]
		gatewayError := &GatewayError{
			Kind:      KindCallerInput,
			Message:   external.Message,
			Locations: external.Locations,
		}
		if len(external.Path) > 0 {
			if raw, err := json.Marshal(external.Path); err == nil {
				gatewayError.Path = raw
			}
		}
		out = append(out, gatewayError)
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneLocations(locations []operationreport.Location) []operationreport.Location {
	if locations == nil {
		return nil
	}
	return append([]operationreport.Location(nil), locations...)
}

func cloneExtensions(extensions map[string]json.RawMessage) map[string]json.RawMessage {
	if extensions == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(extensions))
	for key, value := range extensions {
		out[key] = cloneRaw(value)
	}
	return out
}
