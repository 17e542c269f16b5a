package gateway

import (
	"encoding/json"

	"github.com/gobranch/appsync-third-party-gateway/pkg/faults"
)

// Response is the GraphQL response envelope the gateway returns to callers.
// Data is omitted, not null, when execution never started; a backend
// "data": null travels through as the raw message it arrived as.
type Response struct {
	Errors     []faults.ResponseError     `json:"errors,omitempty"`
	Data       json.RawMessage            `json:"data,omitempty"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

func (r Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
