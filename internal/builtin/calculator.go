package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	glua "github.com/yuin/gopher-lua"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/plugin/lua"
	"github.com/dshills/lodestar/internal/query"
)

// CalculatorID is the plugin id of the calculator.
const CalculatorID = "calculator"

// Calculator errors.
var (
	ErrInvalidExpression = errors.New("invalid expression")
	ErrNotFinite         = errors.New("result is not a finite number")
)

const calcTimeout = 200 * time.Millisecond

var (
	exprChars = regexp.MustCompile(`^[0-9a-z_.,+\-*/%^()\s]+$`)
	exprIdent = regexp.MustCompile(`\b[a-z_][a-z0-9_]*`)
	exprOp    = regexp.MustCompile(`[0-9)]\s*[+\-*/%^]|[a-z]\s*\(`)
)

// calcNames are the fields of the Lua math library an expression may use.
var calcNames = map[string]bool{
	"abs": true, "ceil": true, "floor": true, "sqrt": true, "exp": true,
	"log": true, "sin": true, "cos": true, "tan": true, "asin": true,
	"acos": true, "atan": true, "max": true, "min": true, "pi": true,
	"huge": true, "fmod": true, "pow": true,
}

// CalculatorDefinition returns the calculator plugin. It answers "calc "
// queries and offers results for untriggered input that looks like
// arithmetic.
func CalculatorDefinition() Definition {
	return Definition{
		Metadata: metadata(CalculatorID, "Calculator", "Evaluate arithmetic expressions"),
		New: func(env *Env) (any, error) {
			return NewCalculator(env), nil
		},
	}
}

// Calculator evaluates arithmetic in a sandboxed Lua state.
type Calculator struct {
	extension.Base
	env   *Env
	state *lua.State
	names *glua.LTable
}

var (
	_ query.TriggerHandler = (*Calculator)(nil)
	_ query.GlobalHandler  = (*Calculator)(nil)
)

// NewCalculator creates a calculator.
func NewCalculator(env *Env) *Calculator {
	c := &Calculator{
		Base:  extension.NewBase(CalculatorID, "Calculator", "Evaluate arithmetic expressions"),
		env:   env,
		state: lua.NewState(lua.WithExecutionTimeout(calcTimeout)),
	}
	_ = c.state.With(func(L *glua.LState) error {
		mathLib, _ := L.GetGlobal(glua.MathLibName).(*glua.LTable)
		c.names = L.NewTable()
		for name := range calcNames {
			if mathLib != nil {
				c.names.RawSetString(name, mathLib.RawGetString(name))
			}
		}
		return nil
	})
	return c
}

// DefaultTrigger implements query.TriggerHandler.
func (*Calculator) DefaultTrigger() string { return "calc " }

// AllowTriggerRemap implements query.TriggerHandler.
func (*Calculator) AllowTriggerRemap() bool { return true }

// SupportsFuzzyMatching implements query.TriggerHandler.
func (*Calculator) SupportsFuzzyMatching() bool { return false }

// SetFuzzyMatching implements query.TriggerHandler.
func (*Calculator) SetFuzzyMatching(bool) {}

// SetTrigger implements query.TriggerHandler.
func (*Calculator) SetTrigger(string) {}

// HandleTriggerQuery implements query.TriggerHandler.
func (c *Calculator) HandleTriggerQuery(ctx context.Context, q *query.Query) error {
	expr := strings.TrimSpace(q.String())
	if expr == "" {
		return nil
	}
	v, err := c.Evaluate(ctx, expr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		q.Add(query.NewItem("error", "Invalid expression", err.Error()))
		return nil
	}
	q.Add(c.item(expr, v))
	return nil
}

// HandleGlobalQuery implements query.GlobalHandler.
func (c *Calculator) HandleGlobalQuery(ctx context.Context, q *query.Query) ([]query.RankItem, error) {
	expr := strings.TrimSpace(q.String())
	if !LooksLikeExpression(expr) {
		return nil, nil
	}
	v, err := c.Evaluate(ctx, expr)
	if err != nil {
		return nil, nil
	}
	return []query.RankItem{{Item: c.item(expr, v), Relevance: 1}}, nil
}

func (c *Calculator) item(expr string, v float64) query.Item {
	result := FormatNumber(v)
	return &query.StandardItem{
		ItemID:     "result",
		Title:      result,
		Sub:        "Result of " + expr,
		Completion: result,
		ItemActions: []query.Action{
			{ID: "copy", Text: "Copy result to clipboard", Run: func() error { return c.env.copy(result) }},
			{ID: "copy-equation", Text: "Copy equation to clipboard", Run: func() error {
				return c.env.copy(expr + " = " + result)
			}},
		},
	}
}

// LooksLikeExpression reports whether s is worth evaluating for an
// untriggered query: only expression characters, at least one operator or
// function call, and only known names.
func LooksLikeExpression(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || !exprChars.MatchString(s) || !exprOp.MatchString(s) {
		return false
	}
	return checkNames(s) == nil
}

func checkNames(expr string) error {
	for _, id := range exprIdent.FindAllString(expr, -1) {
		if !calcNames[id] {
			return fmt.Errorf("%w: unknown name %q", ErrInvalidExpression, id)
		}
	}
	return nil
}

// Evaluate computes expr. Only arithmetic operators, parentheses, numbers
// and math functions are accepted.
func (c *Calculator) Evaluate(ctx context.Context, expr string) (float64, error) {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if !exprChars.MatchString(expr) || strings.Contains(expr, "--") || strings.Contains(expr, "..") {
		return 0, fmt.Errorf("%w: unexpected character", ErrInvalidExpression)
	}
	if err := checkNames(expr); err != nil {
		return 0, err
	}

	var fn *glua.LFunction
	err := c.state.With(func(L *glua.LState) error {
		compiled, err := L.LoadString("return " + expr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		compiled.Env = c.names
		fn = compiled
		return nil
	})
	if err != nil {
		return 0, err
	}

	results, err := c.state.CallFunction(ctx, fn)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("%w: expected one value", ErrInvalidExpression)
	}
	n, ok := results[0].(glua.LNumber)
	if !ok {
		return 0, fmt.Errorf("%w: result is a %s", ErrInvalidExpression, results[0].Type())
	}
	v := float64(n)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, ErrNotFinite
	}
	return v, nil
}

// FormatNumber renders v with up to 15 significant digits.
func FormatNumber(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'g', 15, 64)
}

// Close releases the Lua state.
func (c *Calculator) Close() error {
	return c.state.Close()
}
