package gateway

import (
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/ast"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/astparser"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/asttransform"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/astvalidation"
)

// Schema is the schema the gateway exposes to callers. Operations are parsed
// and validated against it before anything is delegated to the backend.
type Schema struct {
	rawInput []byte
	document ast.Document
	hash     uint64
}

// NewSchema parses and validates an SDL document and merges the base schema
// definitions into it, so introspection types and built-in scalars resolve
// during validation.
func NewSchema(input []byte) (*Schema, error) {
	document, report := astparser.ParseGraphqlDocumentBytes(input)
	if report.HasErrors() {
		return nil, errors.Wrap(report, "parse schema")
	}

	if err := asttransform.MergeDefinitionWithBaseSchema(&document); err != nil {
		return nil, errors.Wrap(err, "merge base schema")
	}

	astvalidation.DefaultDefinitionValidator().Validate(&document, &report)
	if report.HasErrors() {
		return nil, errors.Wrap(report, "validate schema")
	}

	return &Schema{
		rawInput: input,
		document: document,
		hash:     xxhash.Sum64(input),
	}, nil
}

func NewSchemaFromReader(reader io.Reader) (*Schema, error) {
	input, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "read schema")
	}
	return NewSchema(input)
}

func NewSchemaFromString(input string) (*Schema, error) {
	return NewSchema([]byte(input))
}

func (s *Schema) Document() *ast.Document {
	return &s.document
}

// Hash identifies the schema content, e.g. for cache keys that must not
// survive a schema swap.
func (s *Schema) Hash() uint64 {
	return s.hash
}

func (s *Schema) rootNode(operationType ast.OperationType) (ast.Node, bool) {
	var typeName ast.ByteSlice
	switch operationType {
	case ast.OperationTypeQuery:
		typeName = s.document.Index.QueryTypeName
		if len(typeName) == 0 {
			typeName = ast.ByteSlice("Query")
		}
	case ast.OperationTypeMutation:
		typeName = s.document.Index.MutationTypeName
		if len(typeName) == 0 {
			typeName = ast.ByteSlice("Mutation")
		}
	default:
		return ast.Node{}, false
	}
	node, exists := s.document.Index.FirstNodeByNameBytes(typeName)
	return node, exists
}

// rootFieldNames lists the caller-facing fields on a root operation type.
// Meta fields added by the base schema merge (__schema, __type) are not
// delegated, so they are skipped here.
func (s *Schema) rootFieldNames(operationType ast.OperationType) []string {
	node, exists := s.rootNode(operationType)
	if !exists {
		return nil
	}

	fieldRefs := s.document.NodeFieldDefinitions(node)
	names := make([]string, 0, len(fieldRefs))
	for _, ref := range fieldRefs {
		name := s.document.FieldDefinitionNameString(ref)
		if strings.HasPrefix(name, "__") {
			continue
		}
		names = append(names, name)
	}
	return names
}
