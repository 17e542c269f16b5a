package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	vast "github.com/vektah/gqlparser/v2/ast"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/astparser"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/asttransform"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/introspection"
	"go.uber.org/goleak"

	"github.com/gobranch/appsync-third-party-gateway/pkg/faults"
	"github.com/gobranch/appsync-third-party-gateway/pkg/identity"
	"github.com/gobranch/appsync-third-party-gateway/pkg/upstream"
)

const (
	testCredential = "da2-sekrit"
	testIdentity   = "dev-42"
	testRequestID  = "test-request"
)

// introspectionResponse renders the GraphQL response a backend would return
// for the canonical introspection query against the given SDL.
func introspectionResponse(t *testing.T, sdl string) []byte {
	t.Helper()
	definition, report := astparser.ParseGraphqlDocumentString(sdl)
	require.False(t, report.HasErrors(), "parse SDL: %v", report)
	require.NoError(t, asttransform.MergeDefinitionWithBaseSchema(&definition))

	generator := introspection.NewGenerator()
	var data introspection.Data
	generator.Generate(&definition, &report, &data)
	require.False(t, report.HasErrors(), "generate introspection: %v", report)

	schemaJSON, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := sjson.SetRawBytes([]byte(`{}`), "data", schemaJSON)
	require.NoError(t, err)
	return body
}

type backendCall struct {
	Query         string
	OperationName string
	Variables     string
}

// fakeBackend plays the downstream GraphQL service: it answers the
// introspection query from an SDL and records every delegated operation.
type fakeBackend struct {
	server *httptest.Server

	mu             sync.Mutex
	calls          []backendCall
	introspections int
	failDiscovery  bool
	respond        func(call backendCall) (int, string)
}

func newFakeBackend(t *testing.T, sdl string) *fakeBackend {
	t.Helper()
	backend := &fakeBackend{}
	backend.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")

		if gjson.GetBytes(body, "operationName").String() == "IntrospectionQuery" {
			backend.mu.Lock()
			backend.introspections++
			fail := backend.failDiscovery
			backend.mu.Unlock()

			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write(introspectionResponse(t, sdl))
			return
		}

		call := backendCall{
			Query:         gjson.GetBytes(body, "query").String(),
			OperationName: gjson.GetBytes(body, "operationName").String(),
			Variables:     gjson.GetBytes(body, "variables").Raw,
		}
		backend.mu.Lock()
		backend.calls = append(backend.calls, call)
		respond := backend.respond
		backend.mu.Unlock()

		if respond != nil {
			status, responseBody := respond(call)
			w.WriteHeader(status)
			_, _ = io.WriteString(w, responseBody)
			return
		}
		_, _ = io.WriteString(w, `{"data":{}}`)
	}))
	t.Cleanup(backend.server.Close)
	return backend
}

func (b *fakeBackend) setRespond(respond func(call backendCall) (int, string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.respond = respond
}

func (b *fakeBackend) setFailDiscovery(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDiscovery = fail
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) lastCall(t *testing.T) backendCall {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.calls)
	return b.calls[len(b.calls)-1]
}

func (b *fakeBackend) allCalls() []backendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backendCall(nil), b.calls...)
}

func (b *fakeBackend) introspectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.introspections
}

type recordingSink struct {
	mu        sync.Mutex
	captured  []error
	tags      []map[string]string
	flushes   int
	flushFail bool
}

func (s *recordingSink) CaptureException(err error, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = append(s.captured, err)
	s.tags = append(s.tags, tags)
}

func (s *recordingSink) Flush(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return !s.flushFail
}

func (s *recordingSink) setFlushFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushFail = fail
}

func (s *recordingSink) capturedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captured)
}

func (s *recordingSink) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *recordingSink) lastTags() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tags) == 0 {
		return nil
	}
	return s.tags[len(s.tags)-1]
}

type outageStore struct{}

func (outageStore) FetchIdentity(context.Context, string) (string, error) {
	return "", errors.New("kv timeout")
}

type panickingStore struct{}

func (panickingStore) FetchIdentity(context.Context, string) (string, error) {
	panic("store exploded")
}

type pipelineHarness struct {
	pipeline *Pipeline
	backend  *fakeBackend
	sink     *recordingSink
}

type harnessConfig struct {
	gatewaySDL string
	backendSDL string
	store      identity.Store
}

func newHarness(t *testing.T, mutate ...func(*harnessConfig)) *pipelineHarness {
	t.Helper()
	cfg := harnessConfig{
		gatewaySDL: testGatewaySchema,
		backendSDL: testBackendSDL,
		store:      identity.NewMemoryStore(map[string]string{testCredential: testIdentity}),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	backend := newFakeBackend(t, cfg.backendSDL)
	sink := &recordingSink{}

	schema, err := NewSchemaFromString(cfg.gatewaySDL)
	require.NoError(t, err)

	pipeline, err := NewPipeline(PipelineOptions{
		Schema:   schema,
		Resolver: identity.NewResolver(cfg.store, nil),
		Backend:  upstream.NewClient(upstream.Options{URL: backend.server.URL, APIKey: "test-key"}),
		Sink:     sink,
	})
	require.NoError(t, err)

	return &pipelineHarness{pipeline: pipeline, backend: backend, sink: sink}
}

func (h *pipelineHarness) handle(query, operationName, variables, credential string) Response {
	request := &Request{Query: query, OperationName: operationName}
	if variables != "" {
		request.Variables = json.RawMessage(variables)
	}
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", credential)
	}
	return h.pipeline.Handle(context.Background(), Event{
		Request:   request,
		Header:    header,
		RequestID: testRequestID,
	})
}

func assertGolden(t *testing.T, name string, response Response) {
	t.Helper()
	raw, err := response.Marshal()
	require.NoError(t, err)

	var pretty bytes.Buffer
	require.NoError(t, json.Indent(&pretty, raw, "", "  "))

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".json"))
	g.Assert(t, name, pretty.Bytes())
}

func TestNewPipeline(t *testing.T) {
	harness := newHarness(t)

	t.Run("requires schema, resolver and backend", func(t *testing.T) {
		_, err := NewPipeline(PipelineOptions{})
		assert.Error(t, err)

		_, err = NewPipeline(PipelineOptions{Schema: harness.pipeline.schema})
		assert.Error(t, err)

		_, err = NewPipeline(PipelineOptions{Schema: harness.pipeline.schema, Resolver: harness.pipeline.resolver})
		assert.Error(t, err)
	})

	t.Run("defaults sink and logger", func(t *testing.T) {
		pipeline, err := NewPipeline(PipelineOptions{
			Schema:   harness.pipeline.schema,
			Resolver: harness.pipeline.resolver,
			Backend:  harness.pipeline.backend,
		})
		require.NoError(t, err)
		assert.NotNil(t, pipeline.sink)
		assert.NotNil(t, pipeline.logger)
		assert.Zero(t, pipeline.Stats().Requests)
	})
}

func TestPipelineHandle_DelegatesWithIdentity(t *testing.T) {
	harness := newHarness(t)
	harness.backend.setRespond(func(call backendCall) (int, string) {
		return http.StatusOK, `{"data":{"sayHello":"Hello, eve!"}}`
	})

	response := harness.handle(
		`query Greet($n: String!) { sayHello(name: $n) }`,
		"Greet",
		`{"n":"eve"}`,
		testCredential,
	)

	assert.Empty(t, response.Errors)
	assert.JSONEq(t, `{"sayHello":"Hello, eve!"}`, string(response.Data))

	call := harness.backend.lastCall(t)
	assert.Equal(t, "Greet", call.OperationName)
	assert.JSONEq(t, `{"n":"eve"}`, call.Variables)

	operation := loadDelegated(t, call.Query).Operations[0]
	sayHello := operation.SelectionSet[0].(*vast.Field)
	assert.Equal(t, vast.Variable, sayHello.Arguments.ForName("name").Value.Kind)
	assert.Equal(t, testIdentity, sayHello.Arguments.ForName("identity").Value.Raw)

	assert.Equal(t, 1, harness.backend.introspectionCount())
	assert.Equal(t, 0, harness.sink.capturedCount())
	assert.Equal(t, 0, harness.sink.flushCount())
	assert.Equal(t, int64(1), harness.pipeline.Stats().Requests)
}

func TestPipelineHandle_MissingCredential(t *testing.T) {
	harness := newHarness(t)

	response := harness.handle(`{ currentTime }`, "", "", "")

	require.Len(t, response.Errors, 1)
	assert.Equal(t, "missing authorization header", response.Errors[0].Message)
	assert.Nil(t, response.Data)

	assert.Equal(t, 0, harness.backend.introspectionCount())
	assert.Equal(t, 0, harness.backend.callCount())
	assert.Equal(t, 0, harness.sink.capturedCount())
	assert.Equal(t, 0, harness.sink.flushCount())
}

func TestPipelineHandle_WhitespaceOnlyCredential(t *testing.T) {
	harness := newHarness(t)

	response := harness.handle(`{ currentTime }`, "", "", "   ")

	require.Len(t, response.Errors, 1)
	assert.Equal(t, "missing authorization header", response.Errors[0].Message)
}

func TestPipelineHandle_UnknownCredential(t *testing.T) {
	harness := newHarness(t)

	response := harness.handle(`{ currentTime }`, "", "", "da2-wrong")

	require.Len(t, response.Errors, 1)
	assert.Equal(t, "invalid authorization header", response.Errors[0].Message)
	assert.Equal(t, 0, harness.backend.callCount())
	assert.Equal(t, 0, harness.sink.capturedCount())
	assert.Equal(t, 0, harness.sink.flushCount())
}

func TestPipelineHandle_LookupOutage(t *testing.T) {
	harness := newHarness(t, func(cfg *harnessConfig) {
		cfg.store = outageStore{}
	})

	response := harness.handle(`{ currentTime }`, "", "", testCredential)

	// the caller cannot tell an outage from a bad credential
	require.Len(t, response.Errors, 1)
	assert.Equal(t, "invalid authorization header", response.Errors[0].Message)
	assert.NotContains(t, response.Errors[0].Message, "kv timeout")

	// but the sink hears about it
	require.Equal(t, 1, harness.sink.capturedCount())
	assert.Equal(t, 1, harness.sink.flushCount())
	assert.Equal(t, "context_building", harness.sink.lastTags()["stage"])
	assert.Equal(t, testRequestID, harness.sink.lastTags()["request_id"])
	// no identity was resolved, so none is tagged
	assert.NotContains(t, harness.sink.lastTags(), "caller_identity")
}

func TestPipelineHandle_ParseFailure(t *testing.T) {
	harness := newHarness(t)

	response := harness.handle(`query {`, "", "", testCredential)

	assert.NotEmpty(t, response.Errors)
	assert.Nil(t, response.Data)
	assert.Equal(t, 0, harness.backend.callCount())
	// parse failures are the caller's doing, nothing reaches the sink
	assert.Equal(t, 0, harness.sink.capturedCount())
	assert.Equal(t, 0, harness.sink.flushCount())
}

func TestPipelineHandle_ValidationFailure(t *testing.T) {
	harness := newHarness(t)

	response := harness.handle(`{ noSuchField }`, "", "", testCredential)

	assert.NotEmpty(t, response.Errors)
	assert.NotEqual(t, faults.GenericInternalMessage, response.Errors[0].Message)
	assert.Equal(t, 0, harness.backend.callCount())
	assert.Equal(t, 0, harness.sink.capturedCount())
}

func TestPipelineHandle_ValidationOutcomeIsCached(t *testing.T) {
	harness := newHarness(t)

	first := harness.handle(`{ noSuchField }`, "", "", testCredential)
	second := harness.handle(`{ noSuchField }`, "", "", testCredential)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, harness.pipeline.validationCache.Len())
}

func TestPipelineHandle_RepeatedRequestDelegatesIdentically(t *testing.T) {
	harness := newHarness(t)

	first := harness.handle(`{ currentTime }`, "", "", testCredential)
	second := harness.handle(`{ currentTime }`, "", "", testCredential)
	assert.Equal(t, first, second)

	// the cached validation outcome and settled registry never change
	// what reaches the backend: every request delegates in full
	calls := harness.backend.allCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1])
	assert.Equal(t, 1, harness.backend.introspectionCount())
}

func TestPipelineHandle_DirectiveGuardedRootFragment(t *testing.T) {
	harness := newHarness(t)

	response := harness.handle(
		`query Cond($c: Boolean!) { ... on Query @include(if: $c) { currentTime } }`,
		"",
		`{"c":true}`,
		testCredential,
	)

	assert.Empty(t, response.Errors)

	call := harness.backend.lastCall(t)
	assert.Contains(t, call.Query, "@include")
	assert.Contains(t, call.Query, `identity: "dev-42"`)

	// a valid operation shape, so nothing is masked or reported
	assert.Equal(t, 0, harness.sink.capturedCount())
	assert.Equal(t, 0, harness.sink.flushCount())
}

func TestPipelineHandle_UnknownOperationName(t *testing.T) {
	harness := newHarness(t)

	t.Run("named operation missing from document", func(t *testing.T) {
		response := harness.handle(`query A { currentTime }`, "B", "", testCredential)

		require.Len(t, response.Errors, 1)
		assert.Equal(t, `operation "B" is not defined in the document`, response.Errors[0].Message)
		assert.Equal(t, 0, harness.sink.capturedCount())
	})

	t.Run("anonymous request against multiple operations", func(t *testing.T) {
		response := harness.handle(`query A { currentTime } query B { currentTime }`, "", "", testCredential)

		require.Len(t, response.Errors, 1)
		assert.Equal(t, "operation name is required for documents with multiple operations", response.Errors[0].Message)
		assert.Equal(t, 0, harness.sink.capturedCount())
	})

	assert.Equal(t, 0, harness.backend.callCount())
}

func TestPipelineHandle_BackendErrorPassthrough(t *testing.T) {
	harness := newHarness(t)
	harness.backend.setRespond(func(call backendCall) (int, string) {
		return http.StatusOK, `{"data":null,"errors":[{"message":"resolver exploded","locations":[{"line":3,"column":7}],"path":["sayHello"],"extensions":{"code":"CONFLICT","hint":42}}]}`
	})

	response := harness.handle(`{ sayHello(name: "eve") }`, "", "", testCredential)

	assertGolden(t, "backend_error_passthrough", response)
	// backend errors belong to the backend, they are not internal faults
	assert.Equal(t, 0, harness.sink.capturedCount())
	assert.Equal(t, 0, harness.sink.flushCount())
}

func TestPipelineHandle_BackendTransportFailure(t *testing.T) {
	harness := newHarness(t)
	harness.backend.setRespond(func(call backendCall) (int, string) {
		return http.StatusInternalServerError, `boom`
	})

	response := harness.handle(`query Boom { currentTime }`, "Boom", "", testCredential)

	assertGolden(t, "internal_fault_masked", response)
	require.Equal(t, 1, harness.sink.capturedCount())
	assert.Equal(t, 1, harness.sink.flushCount())
	assert.Equal(t, "executing", harness.sink.lastTags()["stage"])
	assert.Equal(t, testIdentity, harness.sink.lastTags()["caller_identity"])
	assert.Equal(t, "Boom", harness.sink.lastTags()["operation_name"])
}

func TestPipelineHandle_BackendMalformedBody(t *testing.T) {
	harness := newHarness(t)
	harness.backend.setRespond(func(call backendCall) (int, string) {
		return http.StatusOK, `<!doctype html>`
	})

	response := harness.handle(`{ currentTime }`, "", "", testCredential)

	require.Len(t, response.Errors, 1)
	assert.Equal(t, faults.GenericInternalMessage, response.Errors[0].Message)
	assert.Equal(t, 1, harness.sink.capturedCount())
}

func TestPipelineHandle_IntrospectionRejected(t *testing.T) {
	harness := newHarness(t)

	response := harness.handle(`{ __schema { queryType { name } } }`, "", "", testCredential)

	require.Len(t, response.Errors, 1)
	assert.Contains(t, response.Errors[0].Message, "__schema")
	// discovery ran, but nothing was delegated
	assert.Equal(t, 1, harness.backend.introspectionCount())
	assert.Equal(t, 0, harness.backend.callCount())
	assert.Equal(t, 0, harness.sink.capturedCount())
}

func TestPipelineHandle_SubscriptionRejected(t *testing.T) {
	harness := newHarness(t, func(cfg *harnessConfig) {
		cfg.gatewaySDL = testSubscribingSchema
		cfg.backendSDL = `
			schema {
				query: Query
			}

			type Query {
				currentTime(identity: String): String!
			}
		`
	})

	response := harness.handle(`subscription { ticks }`, "", "", testCredential)

	require.Len(t, response.Errors, 1)
	assert.Equal(t, "subscriptions are not supported", response.Errors[0].Message)
	assert.Equal(t, 0, harness.backend.callCount())
	assert.Equal(t, 0, harness.sink.capturedCount())
}

func TestPipelineHandle_DiscoveryFailureIsRetried(t *testing.T) {
	harness := newHarness(t)
	harness.backend.setFailDiscovery(true)

	response := harness.handle(`{ currentTime }`, "", "", testCredential)
	require.Len(t, response.Errors, 1)
	assert.Equal(t, faults.GenericInternalMessage, response.Errors[0].Message)
	assert.Equal(t, 1, harness.sink.capturedCount())
	assert.Equal(t, 1, harness.backend.introspectionCount())

	// the failure is not cached, the next request discovers again
	harness.backend.setFailDiscovery(false)
	response = harness.handle(`{ currentTime }`, "", "", testCredential)
	assert.Empty(t, response.Errors)
	assert.Equal(t, 2, harness.backend.introspectionCount())
	assert.Equal(t, int64(2), harness.pipeline.Stats().Discoveries)
}

func TestPipelineHandle_DiscoveryHappensOnce(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreAnyFunction("net/http/httptest.(*Server).goServe.func1"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)

	harness := newHarness(t)

	const callers = 8
	responses := make([]Response, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			responses[slot] = harness.handle(`{ currentTime }`, "", "", testCredential)
		}(i)
	}
	wg.Wait()

	for _, response := range responses {
		assert.Empty(t, response.Errors)
	}
	assert.Equal(t, 1, harness.backend.introspectionCount())
	assert.Equal(t, callers, harness.backend.callCount())
	assert.Equal(t, int64(1), harness.pipeline.Stats().Discoveries)

	// settled pipelines skip discovery entirely
	harness.handle(`{ currentTime }`, "", "", testCredential)
	assert.Equal(t, 1, harness.backend.introspectionCount())
}

func TestPipelineHandle_PanicBecomesMaskedFault(t *testing.T) {
	harness := newHarness(t, func(cfg *harnessConfig) {
		cfg.store = panickingStore{}
	})

	response := harness.handle(`{ currentTime }`, "", "", testCredential)

	require.Len(t, response.Errors, 1)
	assert.Equal(t, faults.GenericInternalMessage, response.Errors[0].Message)
	require.Equal(t, 1, harness.sink.capturedCount())
	assert.Equal(t, 1, harness.sink.flushCount())
}

func TestPipelineHandle_FlushFailureDoesNotFailRequest(t *testing.T) {
	harness := newHarness(t, func(cfg *harnessConfig) {
		cfg.store = outageStore{}
	})
	harness.sink.setFlushFail(true)

	response := harness.handle(`{ currentTime }`, "", "", testCredential)

	require.Len(t, response.Errors, 1)
	assert.Equal(t, "invalid authorization header", response.Errors[0].Message)
	assert.Equal(t, 1, harness.sink.flushCount())
}

func TestPipelineHandle_NilRequest(t *testing.T) {
	harness := newHarness(t)

	response := harness.pipeline.Handle(context.Background(), Event{RequestID: testRequestID})

	require.Len(t, response.Errors, 1)
	assert.Equal(t, faults.GenericInternalMessage, response.Errors[0].Message)
	assert.Equal(t, 1, harness.sink.capturedCount())
}
