package faults

import "time"

// Lifecycle captures request outcome flags the reporting rule depends on.
// The pipeline sets them as stages complete; deriving them later from the
// error list is unreliable because formatting erases the distinction.
type Lifecycle struct {
	ParseFailed          bool
	ValidationFailed     bool
	UnknownOperationName bool
}

func (l Lifecycle) callerSide() bool {
	return l.ParseFailed || l.ValidationFailed || l.UnknownOperationName
}

// Sink is the slice of the fault-tracking client the reporting rule needs.
// Implementations must be safe for concurrent use.
type Sink interface {
	CaptureException(err error, tags map[string]string)
	Flush(timeout time.Duration) bool
}

// ReportAll forwards reportable faults to the sink and returns how many
// were sent; the caller flushes once when the count is positive. A request
// that failed on the caller's side of the boundary reports nothing at all,
// without consulting the error list.
func ReportAll(gatewayErrors []*GatewayError, lifecycle Lifecycle, sink Sink, tags map[string]string) int {
	if lifecycle.callerSide() {
		return 0
	}
	sent := 0
	for _, gatewayError := range gatewayErrors {
		if !reportable(gatewayError) {
			continue
		}
		cause := gatewayError.Err
		if cause == nil {
			cause = gatewayError
		}
		sink.CaptureException(cause, tags)
		sent++
	}
	return sent
}

func reportable(gatewayError *GatewayError) bool {
	switch gatewayError.Kind {
	case KindBackend, KindCallerInput:
		return false
	case KindAuthentication:
		return gatewayError.Sink
	}
	return true
}
