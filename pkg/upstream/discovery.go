package upstream

import (
	"bytes"
	"context"

	"github.com/buger/jsonparser"
	log "github.com/jensneuse/abstractlogger"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/ast"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/astparser"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/astprinter"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/asttransform"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/introspection"
)

// ProxySchema is the backend schema reconstructed from an introspection
// round trip, with the base schema merged so lookups see built-in types.
type ProxySchema struct {
	document ast.Document
}

// Discover performs the introspection round trip against the backend and
// rebuilds its schema document. A GraphQL-level error in the introspection
// response fails discovery: such a response is not usable as a schema.
func (c *Client) Discover(ctx context.Context) (*ProxySchema, error) {
	body, err := requestBody([]byte(introspectionQuery), nil, introspectionOperationName)
	if err != nil {
		return nil, err
	}
	responseBody, err := c.post(ctx, body)
	if err != nil {
		return nil, errors.Wrap(err, "schema discovery")
	}
	if gjson.GetBytes(responseBody, "errors").Exists() {
		message := gjson.GetBytes(responseBody, "errors.0.message").String()
		return nil, errors.Errorf("schema discovery: backend introspection failed: %s", message)
	}
	data, dataType, _, err := jsonparser.Get(responseBody, "data")
	if err != nil || dataType != jsonparser.Object {
		return nil, errors.New("schema discovery: introspection response has no data object")
	}
	proxy, err := proxySchemaFromIntrospection(data)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("upstream: backend schema discovered", log.String("endpoint", c.endpoint))
	return proxy, nil
}

// proxySchemaFromIntrospection converts an introspection data object into a
// schema document. The converted document is printed to SDL and reparsed so
// the index the lookups depend on is built by the parser.
func proxySchemaFromIntrospection(data []byte) (*ProxySchema, error) {
	converter := introspection.JsonConverter{}
	converted, err := converter.GraphQLDocument(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "schema discovery: convert introspection")
	}
	sdl, err := astprinter.PrintString(converted)
	if err != nil {
		return nil, errors.Wrap(err, "schema discovery: print converted schema")
	}
	return ProxySchemaFromSDL(sdl)
}

// ProxySchemaFromSDL builds a ProxySchema straight from SDL. Tests and
// tooling use it to stand in for a discovered backend.
func ProxySchemaFromSDL(sdl string) (*ProxySchema, error) {
	document, report := astparser.ParseGraphqlDocumentString(sdl)
	if report.HasErrors() {
		return nil, errors.Errorf("parse backend schema: %s", report.Error())
	}
	if err := asttransform.MergeDefinitionWithBaseSchema(&document); err != nil {
		return nil, errors.Wrap(err, "merge base schema into backend schema")
	}
	return &ProxySchema{document: document}, nil
}

// Document exposes the underlying schema document.
func (p *ProxySchema) Document() *ast.Document {
	return &p.document
}

func (p *ProxySchema) rootNode(operationType ast.OperationType) (ast.Node, bool) {
	document := &p.document
	switch operationType {
	case ast.OperationTypeQuery:
		if node, ok := document.Index.FirstNodeByNameBytes(document.Index.QueryTypeName); ok {
			return node, true
		}
		return document.Index.FirstNodeByNameStr("Query")
	case ast.OperationTypeMutation:
		if node, ok := document.Index.FirstNodeByNameBytes(document.Index.MutationTypeName); ok {
			return node, true
		}
		return document.Index.FirstNodeByNameStr("Mutation")
	}
	return ast.Node{}, false
}

// FieldDefinition looks up a root field on the backend schema.
func (p *ProxySchema) FieldDefinition(operationType ast.OperationType, fieldName string) (int, bool) {
	node, ok := p.rootNode(operationType)
	if !ok {
		return ast.InvalidRef, false
	}
	return p.document.NodeFieldDefinitionByName(node, ast.ByteSlice(fieldName))
}

// FieldHasArgument reports whether a backend field declares the given
// argument.
func (p *ProxySchema) FieldHasArgument(fieldDefinitionRef int, argumentName string) bool {
	document := &p.document
	for _, inputValueRef := range document.FieldDefinitions[fieldDefinitionRef].ArgumentsDefinition.Refs {
		if document.InputValueDefinitionNameString(inputValueRef) == argumentName {
			return true
		}
	}
	return false
}
