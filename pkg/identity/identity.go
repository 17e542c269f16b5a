// Package identity maps opaque caller credentials to identity tags. The
// store is provisioned out of band and read-only on the request path.
package identity

import (
	"context"

	log "github.com/jensneuse/abstractlogger"
	"github.com/pkg/errors"
)

// ErrUnknownCredential reports a credential that is absent from the store.
// It is distinct from store unavailability: an unknown credential is the
// caller's mistake, an unreachable store is ours.
var ErrUnknownCredential = errors.New("unknown credential")

// Store answers credential lookups.
type Store interface {
	FetchIdentity(ctx context.Context, credential string) (string, error)
}

// Resolver resolves credentials through a Store, separating unknown
// credentials from failed lookups.
type Resolver struct {
	store  Store
	logger log.Logger
}

func NewResolver(store Store, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.Noop{}
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the identity tag for a credential. ErrUnknownCredential
// means the store answered and the credential is not provisioned; any other
// error means the lookup itself was unavailable. The credential is used
// verbatim; trimming is the caller's concern.
func (r *Resolver) Resolve(ctx context.Context, credential string) (string, error) {
	tag, err := r.store.FetchIdentity(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrUnknownCredential) {
			r.logger.Debug("identity: credential not provisioned")
			return "", err
		}
		r.logger.Error("identity: lookup unavailable", log.Error(err))
		return "", errors.Wrap(err, "identity lookup unavailable")
	}
	return tag, nil
}
