// Package reporting forwards gateway faults to an external tracking sink.
package reporting

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
)

// Reporter delivers faults to the tracking sink. Implementations must be
// safe for concurrent use; Flush blocks until buffered events are delivered
// or the timeout expires.
type Reporter interface {
	CaptureException(err error, tags map[string]string)
	Flush(timeout time.Duration) bool
}

// SentryOptions configures the Sentry-backed reporter.
type SentryOptions struct {
	DSN         string
	Environment string
	Release     string
}

// SentryReporter ships faults to Sentry. The hub is cloned per capture so
// concurrent requests never share scope state.
type SentryReporter struct {
	hub *sentry.Hub
}

func NewSentryReporter(opts SentryOptions) (*SentryReporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init fault sink")
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) CaptureException(err error, tags map[string]string) {
	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		hub.CaptureException(err)
	})
}

func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// NoopReporter drops every fault. Used when no sink is configured.
type NoopReporter struct{}

func (NoopReporter) CaptureException(err error, tags map[string]string) {}

func (NoopReporter) Flush(timeout time.Duration) bool {
	return true
}
