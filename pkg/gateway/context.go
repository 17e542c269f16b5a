package gateway

import (
	"net/http"

	"github.com/gobranch/appsync-third-party-gateway/pkg/faults"
)

// Stage names the phase a request is in while it moves through the pipeline.
type Stage int

const (
	StageContextBuilding Stage = iota
	StageParsing
	StageValidating
	StageOperationResolving
	StageExecuting
	StageFormatting
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageContextBuilding:
		return "context_building"
	case StageParsing:
		return "parsing"
	case StageValidating:
		return "validating"
	case StageOperationResolving:
		return "operation_resolving"
	case StageExecuting:
		return "executing"
	case StageFormatting:
		return "formatting"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one caller request as handed to the pipeline. RequestID is only
// used for logging and fault tags.
type Event struct {
	Request   *Request
	Header    http.Header
	RequestID string
}

// RequestContext is the outcome of building the caller context: either an
// authenticated identity or the fault that stops the request. There is no
// third state, which is why the interface is sealed.
type RequestContext interface {
	// Identity returns the resolved caller identity, and false when the
	// context carries a fault instead.
	Identity() (string, bool)
	// Fault returns the fault that stopped context building, or nil.
	Fault() *faults.GatewayError

	requestContext()
}

// AuthenticatedContext carries the identity resolved from the caller
// credential.
type AuthenticatedContext struct {
	identity string
}

func (c AuthenticatedContext) Identity() (string, bool)    { return c.identity, true }
func (c AuthenticatedContext) Fault() *faults.GatewayError { return nil }
func (c AuthenticatedContext) requestContext()             {}

// RejectedContext carries the fault that stopped context building.
type RejectedContext struct {
	fault *faults.GatewayError
}

func (c RejectedContext) Identity() (string, bool)    { return "", false }
func (c RejectedContext) Fault() *faults.GatewayError { return c.fault }
func (c RejectedContext) requestContext()             {}
