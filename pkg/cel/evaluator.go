package cel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// Input is the view of an event that filter expressions are evaluated against.
type Input struct {
	Type      string
	Scope     string
	Payload   any
	CreatedAt time.Time
}

type Evaluator struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("scope", cel.StringType),
		cel.Variable("created_at", cel.TimestampType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

// EvaluateFilter compiles expression once, caches the program and evaluates
// it against in.
func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, in Input) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	vars := map[string]any{
		"type":       in.Type,
		"scope":      in.Scope,
		"created_at": in.CreatedAt,
		"payload":    payload,
	}

	result, _, err := program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	if p, ok := e.programs.Load(expression); ok {
		return p.(cel.Program), nil
	}

	if err := e.ValidateFilterExpression(expression); err != nil {
		return nil, err
	}
	ast, _ := e.env.Compile(expression)

	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	actual, _ := e.programs.LoadOrStore(expression, program)
	return actual.(cel.Program), nil
}
