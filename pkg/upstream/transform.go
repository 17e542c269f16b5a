package upstream

import (
	"encoding/json"

	"github.com/wundergraph/graphql-go-tools/v2/pkg/operationreport"

	"github.com/gobranch/appsync-third-party-gateway/pkg/faults"
)

// TagBackendErrors is the result transform applied to every backend result
// before it merges into the response: each error in the list is retagged as
// backend-originated so the formatting stage passes it through untouched.
// The transform is pure; the input result is never mutated.
func TagBackendErrors(result *Result) *Result {
	if result == nil {
		return nil
	}
	out := &Result{
		Data:       cloneRaw(result.Data),
		Extensions: cloneExtensions(result.Extensions),
	}
	if result.Errors != nil {
		out.Errors = make([]*faults.GatewayError, 0, len(result.Errors))
		for _, gatewayError := range result.Errors {
			out.Errors = append(out.Errors, &faults.GatewayError{
				Kind:       faults.KindBackend,
				Message:    gatewayError.Message,
				Locations:  cloneLocations(gatewayError.Locations),
				Path:       cloneRaw(gatewayError.Path),
				Extensions: cloneExtensions(gatewayError.Extensions),
			})
		}
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneLocations(locations []operationreport.Location) []operationreport.Location {
	if locations == nil {
		return nil
	}
	return append([]operationreport.Location(nil), locations...)
}

func cloneExtensions(extensions map[string]json.RawMessage) map[string]json.RawMessage {
	if extensions == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(extensions))
	for key, value := range extensions {
		out[key] = cloneRaw(value)
	}
	return out
}
