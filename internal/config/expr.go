package config

import (
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
)

var templateRe = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// ResolveTemplate replaces every {{ expr }} occurrence in tmpl with its
// evaluated value against env. A reference that fails to evaluate (bad
// expression, ill-typed access) or evaluates to nil (an undefined variable)
// is left as the original {{ expr }} literal rather than aborting the
// whole template.
func ResolveTemplate(tmpl string, env map[string]any) string {
	return templateRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := templateRe.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		val, err := EvaluateExpression(sub[1], env)
		if err != nil || val == nil {
			return match
		}
		return fmt.Sprintf("%v", val)
	})
}

// EvaluateExpression compiles and runs exprStr with expr-lang/expr against
// env.
//
// Literal numbers, quoted strings, true/false/nil, dotted-path variable
// access (stages.foo.bar), comparisons, and boolean combinators all work.
// No custom functions are registered, but nothing is disabled in the
// engine either: its built-in functions, indexing, and arithmetic are
// accepted as well. Undefined variables evaluate to nil.
func EvaluateExpression(exprStr string, env map[string]any) (any, error) {
	program, err := expr.Compile(exprStr, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, parseErrorf("invalid expression %q: %v", exprStr, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, &ConditionError{Msg: fmt.Sprintf("expression %q: %v", exprStr, err)}
	}
	return out, nil
}

// ConditionError is returned when a template resolves but the resulting
// expression is ill-typed. It is treated as false with a log by callers,
// never as a hard failure.
type ConditionError struct {
	Msg string
}

func (e *ConditionError) Error() string { return "condition: " + e.Msg }
