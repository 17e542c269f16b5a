// Package upstream talks to the backend GraphQL service: operation
// execution, schema discovery, and the result transform that tags
// backend-originated errors.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	log "github.com/jensneuse/abstractlogger"
	"github.com/pkg/errors"
	"github.com/tidwall/sjson"
	"github.com/wundergraph/astjson"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/operationreport"

	"github.com/gobranch/appsync-third-party-gateway/pkg/faults"
)

// The backend trusts this header and the injected identity argument
// blindly; the value never appears in logs or responses.
const headerAPIKey = "x-api-key"

// Client executes operations against the backend GraphQL endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     log.Logger
}

type Options struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
	Logger     log.Logger
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Noop{}
	}
	return &Client{
		endpoint:   opts.URL,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Result is a backend response split into its GraphQL envelope parts.
// Errors keep whatever message, locations, path and extensions the backend
// produced; their kind stays untagged until the result transform runs.
type Result struct {
	Data       json.RawMessage
	Errors     []*faults.GatewayError
	Extensions map[string]json.RawMessage
}

// Execute forwards one printed operation to the backend and parses the
// response envelope. Transport failures, non-2xx statuses and malformed
// bodies are errors; a well-formed response with a populated error list is
// not.
func (c *Client) Execute(ctx context.Context, operation []byte, variables json.RawMessage, operationName string) (*Result, error) {
	body, err := requestBody(operation, variables, operationName)
	if err != nil {
		return nil, err
	}
	responseBody, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return parseResult(responseBody)
}

func requestBody(operation []byte, variables json.RawMessage, operationName string) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "query", string(operation))
	if err != nil {
		return nil, errors.Wrap(err, "assemble backend request")
	}
	if len(variables) != 0 {
		if body, err = sjson.SetRawBytes(body, "variables", variables); err != nil {
			return nil, errors.Wrap(err, "assemble backend request variables")
		}
	}
	if operationName != "" {
		if body, err = sjson.SetBytes(body, "operationName", operationName); err != nil {
			return nil, errors.Wrap(err, "assemble backend request operation name")
		}
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build backend request")
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set(headerAPIKey, c.apiKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, errors.Wrap(err, "backend request")
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read backend response")
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		c.logger.Error("upstream: backend rejected request",
			log.Int("status", response.StatusCode),
		)
		return nil, errors.Errorf("backend returned status %d", response.StatusCode)
	}
	return responseBody, nil
}

// wireError mirrors one entry of a GraphQL response error list.
type wireError struct {
	Message    string                     `json:"message"`
	Locations  []operationreport.Location `json:"locations"`
	Path       json.RawMessage            `json:"path"`
	Extensions map[string]json.RawMessage `json:"extensions"`
}

func parseResult(body []byte) (*Result, error) {
	value, err := astjson.ParseBytes(body)
	if err != nil {
		return nil, errors.Wrap(err, "backend returned malformed JSON")
	}
	result := &Result{}
	if data := value.Get("data"); data != nil {
		result.Data = data.MarshalTo(nil)
	}
	if errorList := value.Get("errors"); errorList != nil {
		var wireErrors []wireError
		if err := json.Unmarshal(errorList.MarshalTo(nil), &wireErrors); err != nil {
			return nil, errors.Wrap(err, "backend returned malformed error list")
		}
		result.Errors = make([]*faults.GatewayError, 0, len(wireErrors))
		for _, entry := range wireErrors {
			result.Errors = append(result.Errors, &faults.GatewayError{
				Message:    entry.Message,
				Locations:  entry.Locations,
				Path:       entry.Path,
				Extensions: entry.Extensions,
			})
		}
	}
	if extensions := value.Get("extensions"); extensions != nil {
		var parsed map[string]json.RawMessage
		if err := json.Unmarshal(extensions.MarshalTo(nil), &parsed); err == nil {
			result.Extensions = parsed
		}
	}
	return result, nil
}
