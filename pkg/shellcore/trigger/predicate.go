package trigger

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
)

// Env is the environment match expressions run against.
//
//	url contains "arxiv.org"
//	duration >= 300
//	type == "NAVIGATE" && payload != nil
type Env struct {
	// Payload is the extracted payload.
	Payload any `expr:"payload"`

	// URL is set when the extracted payload is a URL.
	URL string `expr:"url"`

	// Duration is the extracted idle duration in seconds.
	Duration float64 `expr:"duration"`

	// Type is the event type.
	Type string `expr:"type"`
}

func newEnv(t event.Type, extracted any) Env {
	env := Env{Payload: extracted, Type: t.String()}
	switch v := extracted.(type) {
	case string:
		env.URL = v
	case time.Duration:
		env.Duration = v.Seconds()
	}
	return env
}

// Compile checks a match expression and returns its program.
func Compile(expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression,
		expr.Env(Env{}),
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile match %q: %w", expression, err)
	}
	return program, nil
}

func evaluate(program *vm.Program, env Env) (bool, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("match returned %T, want bool", out)
	}
	return matched, nil
}
