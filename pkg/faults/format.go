package faults

import (
	"encoding/json"

	"github.com/wundergraph/graphql-go-tools/v2/pkg/operationreport"
)

// GenericInternalMessage is the only message a caller ever sees for an
// internal fault.
const GenericInternalMessage = "Internal Error"

// ResponseError is the wire form of a gateway error. It carries no kind
// tag, no cause and no stack: formatting strips everything the caller is
// not meant to see.
type ResponseError struct {
	Message    string                     `json:"message"`
	Locations  []operationreport.Location `json:"locations,omitempty"`
	Path       json.RawMessage            `json:"path,omitempty"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// Format produces the caller-visible form of one error. It never mutates
// its input and is exhaustive over Kind; a kind this version does not know
// is masked like an internal fault.
func Format(gatewayError *GatewayError) ResponseError {
	switch gatewayError.Kind {
	case KindBackend:
		return ResponseError{
			Message:    gatewayError.Message,
			Locations:  cloneLocations(gatewayError.Locations),
			Path:       cloneRaw(gatewayError.Path),
			Extensions: cloneExtensions(gatewayError.Extensions),
		}
	case KindAuthentication, KindCallerInput:
		return ResponseError{
			Message:   gatewayError.Message,
			Locations: cloneLocations(gatewayError.Locations),
			Path:      cloneRaw(gatewayError.Path),
		}
	case KindInternal:
		return ResponseError{Message: GenericInternalMessage}
	}
	return ResponseError{Message: GenericInternalMessage}
}

// FormatAll formats an error list for the response envelope. An empty list
// formats to nil so the errors key is omitted entirely.
func FormatAll(gatewayErrors []*GatewayError) []ResponseError {
	if len(gatewayErrors) == 0 {
		return nil
	}
	out := make([]ResponseError, 0, len(gatewayErrors))
	for _, gatewayError := range gatewayErrors {
		out = append(out, Format(gatewayError))
	}
	return out
}
