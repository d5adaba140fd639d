// Package guard compiles and evaluates per-stage applicability
// expressions written in CEL. A guard sees the stage id and the case
// context; a false result skips the stage with an explicit ledger event.
package guard

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Guard is a compiled stage guard.
type Guard struct {
	expr string
	prg  cel.Program
}

// Compile builds a guard from a CEL expression. The expression must
// evaluate to a boolean; variables: `stage` (string), `ctx` (map).
func Compile(expr string) (*Guard, error) {
	env, err := cel.NewEnv(
		cel.Variable("stage", cel.StringType),
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("guard: env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("guard: compile %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("guard: %q does not evaluate to bool", expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("guard: program %q: %w", expr, err)
	}
	return &Guard{expr: expr, prg: prg}, nil
}

// Expr returns the source expression.
func (g *Guard) Expr() string { return g.expr }

// Eval decides whether the stage applies to the given case context.
func (g *Guard) Eval(stageID string, caseCtx map[string]interface{}) (bool, error) {
	if caseCtx == nil {
		caseCtx = map[string]interface{}{}
	}
	out, _, err := g.prg.Eval(map[string]interface{}{
		"stage": stageID,
		"ctx":   caseCtx,
	})
	if err != nil {
		return false, fmt.Errorf("guard: eval %q: %w", g.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard: %q produced non-bool %T", g.expr, out.Value())
	}
	return b, nil
}
