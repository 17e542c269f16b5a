// Package httpserver exposes the gateway pipeline over HTTP.
package httpserver

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	log "github.com/jensneuse/abstractlogger"

	"github.com/gobranch/appsync-third-party-gateway/pkg/faults"
	"github.com/gobranch/appsync-third-party-gateway/pkg/gateway"
)

// Gateway handles one GraphQL event. *gateway.Pipeline satisfies it.
type Gateway interface {
	Handle(ctx context.Context, event gateway.Event) gateway.Response
}

// GraphQLHandler serves the single GraphQL endpoint. Transport problems are
// answered with HTTP status codes, everything past the transport is a 200
// with a GraphQL response envelope.
type GraphQLHandler struct {
	gateway Gateway
	logger  log.Logger
}

func NewGraphQLHandler(gw Gateway, logger log.Logger) *GraphQLHandler {
	if logger == nil {
		logger = log.Noop{}
	}
	return &GraphQLHandler{
		gateway: gw,
		logger:  logger,
	}
}

func (h *GraphQLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebsocketUpgrade(r) {
		// no subscriptions, so there is nothing to upgrade to
		h.logger.Debug("httpserver: rejected websocket upgrade")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	requestID := uuid.New().String()

	var request gateway.Request
	if err := gateway.UnmarshalRequest(r.Body, &request); err != nil {
		h.logger.Debug("httpserver: unreadable request body",
			log.Error(err),
			log.String("request_id", requestID),
		)
		h.writeResponse(w, http.StatusBadRequest, gateway.Response{
			Errors: []faults.ResponseError{{Message: "could not parse request body"}},
		}, requestID)
		return
	}

	response := h.gateway.Handle(r.Context(), gateway.Event{
		Request:   &request,
		Header:    r.Header,
		RequestID: requestID,
	})
	h.writeResponse(w, http.StatusOK, response, requestID)
}

func (h *GraphQLHandler) writeResponse(w http.ResponseWriter, status int, response gateway.Response, requestID string) {
	body, err := response.Marshal()
	if err != nil {
		h.logger.Error("httpserver: marshal response",
			log.Error(err),
			log.String("request_id", requestID),
		)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Error("httpserver: write response",
			log.Error(err),
			log.String("request_id", requestID),
		)
	}
}

func isWebsocketUpgrade(r *http.Request) bool {
	for _, header := range r.Header["Upgrade"] {
		if header == "websocket" {
			return true
		}
	}
	return false
}

// NewRouter mounts the GraphQL endpoint and the health probe.
func NewRouter(gw Gateway, logger log.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/graphql", NewGraphQLHandler(gw, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
