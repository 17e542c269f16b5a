package gateway

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/ast"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/astnormalization"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/astprinter"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/operationreport"

	"github.com/gobranch/appsync-third-party-gateway/pkg/faults"
	"github.com/gobranch/appsync-third-party-gateway/pkg/upstream"
)

// identityArgument is the backend argument the gateway fills with the
// resolved caller identity on every delegated root field. Callers never set
// it themselves.
const identityArgument = "identity"

// Delegate binds a root field of the gateway schema to its counterpart on
// the backend schema.
type Delegate struct {
	OperationType ast.OperationType
	FieldName     string
}

type delegateKey struct {
	operationType ast.OperationType
	fieldName     string
}

// DelegateRegistry holds one delegate per root field the gateway exposes.
// It is built once per discovered backend schema.
type DelegateRegistry struct {
	delegates map[delegateKey]Delegate
}

func (r *DelegateRegistry) Lookup(operationType ast.OperationType, fieldName string) (Delegate, bool) {
	delegate, exists := r.delegates[delegateKey{operationType: operationType, fieldName: fieldName}]
	return delegate, exists
}

func (r *DelegateRegistry) Len() int {
	return len(r.delegates)
}

// BuildDelegateRegistry verifies that the backend schema defines every root
// field of the gateway schema and that each of them accepts the identity
// argument. A gateway field the backend cannot serve is a deployment
// mistake, so the build fails as a whole instead of per request.
func BuildDelegateRegistry(schema *Schema, proxy *upstream.ProxySchema) (*DelegateRegistry, error) {
	registry := &DelegateRegistry{delegates: map[delegateKey]Delegate{}}

	for _, operationType := range []ast.OperationType{ast.OperationTypeQuery, ast.OperationTypeMutation} {
		typeName := operationTypeName(operationType)
		for _, fieldName := range schema.rootFieldNames(operationType) {
			fieldDefRef, exists := proxy.FieldDefinition(operationType, fieldName)
			if !exists {
				return nil, errors.Errorf("backend schema does not define %s.%s", typeName, fieldName)
			}
			if !proxy.FieldHasArgument(fieldDefRef, identityArgument) {
				return nil, errors.Errorf("backend field %s.%s does not accept the %q argument", typeName, fieldName, identityArgument)
			}
			registry.delegates[delegateKey{operationType: operationType, fieldName: fieldName}] = Delegate{
				OperationType: operationType,
				FieldName:     fieldName,
			}
		}
	}

	return registry, nil
}

func operationTypeName(operationType ast.OperationType) string {
	switch operationType {
	case ast.OperationTypeQuery:
		return "Query"
	case ast.OperationTypeMutation:
		return "Mutation"
	case ast.OperationTypeSubscription:
		return "Subscription"
	default:
		return "Unknown"
	}
}

// prepareDelegated rewrites the validated request into the operation the
// backend executes: fragments are flattened, the selected operation is
// isolated, and the identity argument is added to every root field. Caller
// variables travel verbatim, so no variable extraction happens here.
func prepareDelegated(request *Request, schema *Schema, registry *DelegateRegistry, identity string) (string, *faults.GatewayError) {
	report := operationreport.Report{}
	doc := request.Document()

	if request.OperationName != "" {
		normalizer := astnormalization.NewWithOpts(
			astnormalization.WithInlineFragmentSpreads(),
			astnormalization.WithRemoveFragmentDefinitions(),
			astnormalization.WithRemoveNotMatchingOperationDefinitions(),
		)
		normalizer.NormalizeNamedOperation(doc, schema.Document(), []byte(request.OperationName), &report)
	} else {
		normalizer := astnormalization.NewWithOpts(
			astnormalization.WithInlineFragmentSpreads(),
			astnormalization.WithRemoveFragmentDefinitions(),
		)
		normalizer.NormalizeOperation(doc, schema.Document(), &report)
	}
	if report.HasErrors() {
		return "", faults.Internal(report)
	}

	opRef, exists := request.selectedOperation(request.OperationName)
	if !exists {
		return "", faults.Internal(errors.Errorf("operation %q missing after normalization", request.OperationName))
	}

	operation := doc.OperationDefinitions[opRef]
	if operation.OperationType == ast.OperationTypeSubscription {
		return "", faults.CallerInput("subscriptions are not supported")
	}
	if !operation.HasSelections {
		return "", faults.Internal(errors.New("selected operation has no selections"))
	}

	if gatewayErr := injectIdentity(doc, operation, registry, identity); gatewayErr != nil {
		return "", gatewayErr
	}

	delegated, err := astprinter.PrintString(doc)
	if err != nil {
		return "", faults.Internal(errors.Wrap(err, "print delegated operation"))
	}
	return delegated, nil
}

// injectIdentity adds identity: "<identity>" to every root field of the
// operation. Normalization leaves inline fragments in place when they carry
// directives, so the walk descends into them; their field children are still
// root fields. __typename passes through untouched; other meta fields are
// rejected so the backend schema never leaks through the gateway boundary.
func injectIdentity(doc *ast.Document, operation ast.OperationDefinition, registry *DelegateRegistry, identity string) *faults.GatewayError {
	return injectIdentityIntoSet(doc, operation.OperationType, registry, identity, operation.SelectionSet)
}

func injectIdentityIntoSet(doc *ast.Document, operationType ast.OperationType, registry *DelegateRegistry, identity string, selectionSet int) *faults.GatewayError {
	typeName := operationTypeName(operationType)

	for _, selectionRef := range doc.SelectionSets[selectionSet].SelectionRefs {
		selection := doc.Selections[selectionRef]
		switch selection.Kind {
		case ast.SelectionKindField:
		case ast.SelectionKindInlineFragment:
			fragment := doc.InlineFragments[selection.Ref]
			if !fragment.HasSelections {
				continue
			}
			if fault := injectIdentityIntoSet(doc, operationType, registry, identity, fragment.SelectionSet); fault != nil {
				return fault
			}
			continue
		default:
			return faults.CallerInput(fmt.Sprintf("unsupported selection on %s", typeName))
		}

		fieldRef := selection.Ref
		fieldName := doc.FieldNameString(fieldRef)

		if fieldName == typeNameFieldName {
			continue
		}
		if strings.HasPrefix(fieldName, "__") {
			return faults.CallerInput(fmt.Sprintf("field %s.%s cannot be delegated", typeName, fieldName))
		}
		if _, exists := registry.Lookup(operationType, fieldName); !exists {
			return faults.Internal(errors.Errorf("no delegate registered for %s.%s", typeName, fieldName))
		}
		if _, exists := doc.FieldArgument(fieldRef, []byte(identityArgument)); exists {
			return faults.CallerInput(fmt.Sprintf("argument %q on %s.%s is reserved", identityArgument, typeName, fieldName))
		}

		valueRef := doc.AddStringValue(ast.StringValue{
			Content: doc.Input.AppendInputString(identity),
		})
		argumentRef := doc.AddArgument(ast.Argument{
			Name: doc.Input.AppendInputString(identityArgument),
			Value: ast.Value{
				Kind: ast.ValueKindString,
				Ref:  valueRef,
			},
		})
		doc.AddArgumentToField(fieldRef, argumentRef)
	}

	return nil
}
