package gateway

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/ast"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/astparser"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/operationreport"
)

const (
	schemaIntrospectionFieldName = "__schema"
	typeIntrospectionFieldName   = "__type"
	typeNameFieldName            = "__typename"
)

var ErrEmptyRequest = errors.New("the provided request is empty")

// Request is one caller operation as it arrives at the GraphQL boundary.
type Request struct {
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	Query         string          `json:"query"`

	document ast.Document
	isParsed bool
}

// UnmarshalRequest reads a GraphQL request envelope from reader into
// request.
func UnmarshalRequest(reader io.Reader, request *Request) error {
	requestBytes, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	if len(requestBytes) == 0 {
		return ErrEmptyRequest
	}

	return json.Unmarshal(requestBytes, &request)
}

func (r *Request) Document() *ast.Document {
	return &r.document
}

func (r *Request) parseQueryOnce() (report operationreport.Report) {
	if r.isParsed {
		return report
	}

	r.document, report = astparser.ParseGraphqlDocumentString(r.Query)
	if !report.HasErrors() {
		// If the given query has problems, and we failed to parse it,
		// we shouldn't mark it as parsed. It can be misleading for
		// the rest of the components.
		r.isParsed = true
	}
	return report
}

// selectedOperation returns the ref of the operation definition the request
// targets: the named one, or the first when no name is given.
func (r *Request) selectedOperation(operationName string) (int, bool) {
	for _, rootNode := range r.document.RootNodes {
		if rootNode.Kind != ast.NodeKindOperationDefinition {
			continue
		}
		if operationName == "" || r.document.OperationDefinitionNameString(rootNode.Ref) == operationName {
			return rootNode.Ref, true
		}
	}
	return ast.InvalidRef, false
}
