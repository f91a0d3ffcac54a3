package expressions

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// ErrMissingKey is returned when an expression selects nothing.
var ErrMissingKey = errors.New("missing key")

// Evaluator compiles JMESPath expressions once and evaluates them against
// template data. It is safe for concurrent use.
type Evaluator struct {
	compiled sync.Map // expression -> *jmespath.JMESPath
}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

func (e *Evaluator) Evaluate(expression string, data any) (any, error) {
	compiled, err := e.compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	result, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// EvaluateString evaluates an expression and renders the result as text. A
// nil result is ErrMissingKey.
func (e *Evaluator) EvaluateString(expression string, data any) (string, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return "", err
	}
	switch v := result.(type) {
	case nil:
		return "", fmt.Errorf("%w: %s", ErrMissingKey, expression)
	case string:
		return v, nil
	case float64:
		// JSON numbers; whole values print without a fraction
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func (e *Evaluator) Validate(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) compile(expression string) (*jmespath.JMESPath, error) {
	if cached, ok := e.compiled.Load(expression); ok {
		return cached.(*jmespath.JMESPath), nil
	}
	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}
	actual, _ := e.compiled.LoadOrStore(expression, compiled)
	return actual.(*jmespath.JMESPath), nil
}
