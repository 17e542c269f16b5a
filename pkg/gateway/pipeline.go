// Package gateway runs caller operations through the authenticating
// pipeline: resolve the caller identity, parse and validate the operation
// against the gateway schema, delegate it to the backend with the identity
// injected, and format the response with backend errors passed through and
// internal faults masked.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/jensneuse/abstractlogger"
	"github.com/pkg/errors"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/astvalidation"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/operationreport"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/gobranch/appsync-third-party-gateway/pkg/faults"
	"github.com/gobranch/appsync-third-party-gateway/pkg/identity"
	"github.com/gobranch/appsync-third-party-gateway/pkg/reporting"
	"github.com/gobranch/appsync-third-party-gateway/pkg/upstream"
)

const (
	credentialHeader = "Authorization"

	messageMissingCredential = "missing authorization header"
	messageInvalidCredential = "invalid authorization header"

	defaultValidationCacheSize = 1024
	sinkFlushTimeout           = 2 * time.Second
)

// Backend executes delegated operations and serves schema discovery.
// *upstream.Client satisfies it.
type Backend interface {
	Execute(ctx context.Context, operation []byte, variables json.RawMessage, operationName string) (*upstream.Result, error)
	Discover(ctx context.Context) (*upstream.ProxySchema, error)
}

type PipelineOptions struct {
	Schema   *Schema
	Resolver *identity.Resolver
	Backend  Backend
	// Sink receives internal faults. Defaults to a no-op sink.
	Sink   faults.Sink
	Logger log.Logger
	// ValidationCacheSize bounds the per-query validation outcome cache.
	ValidationCacheSize int
}

// Pipeline drives a request through context building, parsing, validation,
// operation resolution, execution and formatting. It is safe for concurrent
// use.
type Pipeline struct {
	schema   *Schema
	resolver *identity.Resolver
	backend  Backend
	sink     faults.Sink
	logger   log.Logger

	sf          *singleflight.Group
	delegatesMu sync.RWMutex
	delegates   *DelegateRegistry

	validationCache *lru.Cache

	requests       atomic.Int64
	discoveries    atomic.Int64
	faultsReported atomic.Int64
}

func NewPipeline(options PipelineOptions) (*Pipeline, error) {
	if options.Schema == nil {
		return nil, errors.New("pipeline requires a schema")
	}
	if options.Resolver == nil {
		return nil, errors.New("pipeline requires an identity resolver")
	}
	if options.Backend == nil {
		return nil, errors.New("pipeline requires a backend")
	}
	if options.Sink == nil {
		options.Sink = reporting.NoopReporter{}
	}
	if options.Logger == nil {
		options.Logger = log.Noop{}
	}
	if options.ValidationCacheSize <= 0 {
		options.ValidationCacheSize = defaultValidationCacheSize
	}

	validationCache, err := lru.New(options.ValidationCacheSize)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		schema:          options.Schema,
		resolver:        options.Resolver,
		backend:         options.Backend,
		sink:            options.Sink,
		logger:          options.Logger,
		sf:              &singleflight.Group{},
		validationCache: validationCache,
	}, nil
}

// requestState accumulates what the stages produce until finalize folds it
// into the response.
type requestState struct {
	stage         Stage
	faultStage    Stage
	requestID     string
	operationName string
	identity      string
	lifecycle     faults.Lifecycle
	errs          []*faults.GatewayError
	data          json.RawMessage
	extensions    map[string]json.RawMessage
}

// Handle runs one request through all stages and always returns a response
// the caller can serialize. Panics inside a stage become masked internal
// faults instead of taking the process down.
func (p *Pipeline) Handle(ctx context.Context, event Event) (response Response) {
	p.requests.Inc()

	state := &requestState{
		stage:     StageContextBuilding,
		requestID: event.RequestID,
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("pipeline recovered from panic",
				log.Any("panic", rec),
				log.String("stage", state.stage.String()),
				log.String("request_id", state.requestID),
			)
			p.trackFault(state, faults.Internal(errors.Errorf("panic during %s: %v", state.stage, rec)))
			response = p.finalize(state)
		}
	}()

	if event.Request == nil {
		p.trackFault(state, faults.Internal(errors.New("pipeline event without request")))
		return p.finalize(state)
	}
	state.operationName = event.Request.OperationName

	p.run(ctx, event, state)
	return p.finalize(state)
}

func (p *Pipeline) run(ctx context.Context, event Event, state *requestState) {
	state.stage = StageContextBuilding
	requestContext := p.buildContext(ctx, event)
	if fault := requestContext.Fault(); fault != nil {
		p.trackFault(state, fault)
		return
	}
	resolved, _ := requestContext.Identity()
	state.identity = resolved

	state.stage = StageParsing
	if !p.parse(event.Request, state) {
		return
	}

	state.stage = StageValidating
	if !p.validate(event.Request, state) {
		return
	}

	state.stage = StageOperationResolving
	if !p.resolveOperation(event.Request, state) {
		return
	}

	state.stage = StageExecuting
	p.execute(ctx, event.Request, state)
}

// buildContext resolves the Authorization header into a caller identity.
// The header value is the credential, verbatim except for surrounding
// whitespace. A lookup outage reads like an invalid credential to the
// caller but is flagged for the fault sink.
func (p *Pipeline) buildContext(ctx context.Context, event Event) RequestContext {
	credential := strings.TrimSpace(event.Header.Get(credentialHeader))
	if credential == "" {
		return RejectedContext{fault: faults.Authentication(messageMissingCredential)}
	}

	resolved, err := p.resolver.Resolve(ctx, credential)
	switch {
	case err == nil:
		return AuthenticatedContext{identity: resolved}
	case errors.Is(err, identity.ErrUnknownCredential):
		return RejectedContext{fault: faults.Authentication(messageInvalidCredential)}
	default:
		return RejectedContext{fault: faults.AuthenticationOutage(messageInvalidCredential, err)}
	}
}

func (p *Pipeline) parse(request *Request, state *requestState) bool {
	report := request.parseQueryOnce()
	if !report.HasErrors() {
		return true
	}

	state.lifecycle.ParseFailed = true
	for _, fault := range faults.FromReport(&report) {
		p.trackFault(state, fault)
	}
	return false
}

type validationCacheKey struct {
	schemaHash uint64
	queryHash  uint64
}

type validationOutcome struct {
	valid bool
	errs  []*faults.GatewayError
}

// validate checks the parsed document against the gateway schema. Outcomes
// are cached per query text, so repeated operations skip the validator.
func (p *Pipeline) validate(request *Request, state *requestState) bool {
	cacheKey := validationCacheKey{
		schemaHash: p.schema.Hash(),
		queryHash:  xxhash.Sum64String(request.Query),
	}

	if cached, ok := p.validationCache.Get(cacheKey); ok {
		if outcome, ok := cached.(validationOutcome); ok {
			return p.applyValidationOutcome(state, outcome)
		}
	}

	report := operationreport.Report{}
	astvalidation.DefaultOperationValidator().Validate(request.Document(), p.schema.Document(), &report)

	outcome := validationOutcome{valid: !report.HasErrors()}
	if report.HasErrors() {
		outcome.errs = faults.FromReport(&report)
	}

	p.validationCache.Add(cacheKey, outcome)
	return p.applyValidationOutcome(state, outcome)
}

func (p *Pipeline) applyValidationOutcome(state *requestState, outcome validationOutcome) bool {
	if outcome.valid {
		return true
	}

	state.lifecycle.ValidationFailed = true
	for _, fault := range outcome.errs {
		p.trackFault(state, fault)
	}
	return false
}

func (p *Pipeline) resolveOperation(request *Request, state *requestState) bool {
	if request.OperationName == "" {
		if request.Document().NumOfOperationDefinitions() > 1 {
			state.lifecycle.UnknownOperationName = true
			p.trackFault(state, faults.CallerInput("operation name is required for documents with multiple operations"))
			return false
		}
		return true
	}

	if !request.Document().OperationNameExists(request.OperationName) {
		state.lifecycle.UnknownOperationName = true
		p.trackFault(state, faults.CallerInput(fmt.Sprintf("operation %q is not defined in the document", request.OperationName)))
		return false
	}
	return true
}

func (p *Pipeline) execute(ctx context.Context, request *Request, state *requestState) {
	registry, err := p.delegateRegistry(ctx)
	if err != nil {
		p.trackFault(state, faults.Internal(errors.Wrap(err, "backend schema discovery")))
		return
	}

	delegated, fault := prepareDelegated(request, p.schema, registry, state.identity)
	if fault != nil {
		p.trackFault(state, fault)
		return
	}

	result, err := p.backend.Execute(ctx, []byte(delegated), request.Variables, request.OperationName)
	if err != nil {
		p.trackFault(state, faults.Internal(errors.Wrap(err, "backend execution")))
		return
	}

	tagged := upstream.TagBackendErrors(result)
	state.data = tagged.Data
	state.extensions = tagged.Extensions
	for _, backendErr := range tagged.Errors {
		p.trackFault(state, backendErr)
	}
}

// delegateRegistry returns the registry built from the discovered backend
// schema, triggering discovery on first use. Concurrent first requests
// share one discovery; a failed discovery is not cached, the next request
// retries it.
func (p *Pipeline) delegateRegistry(ctx context.Context) (*DelegateRegistry, error) {
	p.delegatesMu.RLock()
	registry := p.delegates
	p.delegatesMu.RUnlock()
	if registry != nil {
		return registry, nil
	}

	value, err, _ := p.sf.Do("discover", func() (interface{}, error) {
		p.delegatesMu.RLock()
		existing := p.delegates
		p.delegatesMu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		p.discoveries.Inc()
		proxy, err := p.backend.Discover(ctx)
		if err != nil {
			return nil, err
		}

		built, err := BuildDelegateRegistry(p.schema, proxy)
		if err != nil {
			return nil, err
		}

		p.delegatesMu.Lock()
		p.delegates = built
		p.delegatesMu.Unlock()
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*DelegateRegistry), nil
}

// trackFault records a fault on the request and logs it. The stage of the
// first fault is kept for the sink tags.
func (p *Pipeline) trackFault(state *requestState, fault *faults.GatewayError) {
	if len(state.errs) == 0 {
		state.faultStage = state.stage
	}
	p.logger.Debug("gateway fault",
		log.String("kind", fault.Kind.String()),
		log.String("message", fault.Message),
		log.String("stage", state.stage.String()),
		log.String("request_id", state.requestID),
	)
	state.errs = append(state.errs, fault)
}

// finalize reports internal faults to the sink, waits for the flush, and
// formats the response. A failed flush is logged and never fails the
// request.
func (p *Pipeline) finalize(state *requestState) Response {
	state.stage = StageFormatting

	tags := map[string]string{
		"request_id": state.requestID,
		"stage":      state.faultStage.String(),
	}
	if state.identity != "" {
		tags["caller_identity"] = state.identity
	}
	if state.operationName != "" {
		tags["operation_name"] = state.operationName
	}

	sent := faults.ReportAll(state.errs, state.lifecycle, p.sink, tags)
	if sent > 0 {
		p.faultsReported.Add(int64(sent))
		if !p.sink.Flush(sinkFlushTimeout) {
			p.logger.Error("fault sink flush timed out",
				log.String("request_id", state.requestID),
			)
		}
	}

	response := Response{
		Errors:     faults.FormatAll(state.errs),
		Data:       state.data,
		Extensions: state.extensions,
	}

	state.stage = StageDone
	return response
}

// PipelineStats is a point-in-time snapshot of the pipeline counters.
type PipelineStats struct {
	Requests       int64
	Discoveries    int64
	FaultsReported int64
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Requests:       p.requests.Load(),
		Discoveries:    p.discoveries.Load(),
		FaultsReported: p.faultsReported.Load(),
	}
}
