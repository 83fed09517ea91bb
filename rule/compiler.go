// Package rule compiles segmentation-rule expressions into evaluable form and
// caches compiled rules per experiment. The rule grammar is the infix attribute
// grammar used by experiment authors (example: salary > 80000 & state = 'CA');
// expressions are normalized into CEL over a declared profile map and compiled
// once, so evaluation per user is a single program call.
package rule

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/abstack/abx"
)

// Compiler owns the CEL environment shared by all rule compilations.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates a Compiler with the profile variable declared. The same
// Compiler serves all experiments; it is safe for concurrent use.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		// The profile map carries the user attributes a rule can reference.
		cel.Variable("profile", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}
	return &Compiler{env: env}, nil
}

// Parse normalizes and compiles a segmentation expression. Failures at any
// stage carry the RuleParse code with the offending expression as user data.
func (c *Compiler) Parse(expression string) (abx.CompiledRule, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, abx.Error{Code: abx.RuleParse, Err: errors.New("rule expression is empty")}
	}
	celExpr, err := normalize(expression)
	if err != nil {
		return nil, abx.Error{Code: abx.RuleParse, Err: fmt.Errorf("invalid rule %q: %w", expression, err), UserData: expression}
	}
	ast, issues := c.env.Compile(celExpr)
	if issues != nil && issues.Err() != nil {
		return nil, abx.Error{Code: abx.RuleParse, Err: fmt.Errorf("error compiling rule %q: %v", expression, issues.Err()), UserData: expression}
	}
	p, err := c.env.Program(ast)
	if err != nil {
		return nil, abx.Error{Code: abx.RuleParse, Err: fmt.Errorf("error creating program for rule %q: %v", expression, err), UserData: expression}
	}
	return &compiledRule{expression: expression, program: p}, nil
}

// compiledRule pairs the source expression with its compiled CEL program.
type compiledRule struct {
	expression string
	program    cel.Program
}

// Expression returns the source expression the rule was compiled from.
func (r *compiledRule) Expression() string { return r.expression }

// Matches evaluates the rule against a user profile.
func (r *compiledRule) Matches(profile map[string]any) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{
		"profile": profile,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating rule expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(true))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	v, ok := nv.(bool)
	if !ok {
		return false, fmt.Errorf("rule did not evaluate to a boolean, got: %v", nv)
	}
	return v, nil
}

// normalize rewrites a segmentation expression into CEL over the profile map:
// '=' becomes '==', '&'/'|' become '&&'/'||', single-quoted strings become
// double-quoted, bare attribute names become profile["name"], and a bare word
// on the value side of a comparison is a string literal (country=US means
// country = "US").
func normalize(expression string) (string, error) {
	var out strings.Builder
	emit := func(tok string) {
		if out.Len() > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(tok)
	}
	// expectValue is set right after a comparison operator so bare words can be
	// told apart from attribute references.
	expectValue := false
	i, n := 0, len(expression)
	for i < n {
		c := expression[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			emit("(")
			expectValue = false
			i++
		case c == ')':
			emit(")")
			i++
		case c == '&':
			emit("&&")
			i++
			if i < n && expression[i] == '&' {
				i++
			}
			expectValue = false
		case c == '|':
			emit("||")
			i++
			if i < n && expression[i] == '|' {
				i++
			}
			expectValue = false
		case c == '!':
			if i+1 < n && expression[i+1] == '=' {
				emit("!=")
				expectValue = true
				i += 2
			} else {
				emit("!")
				i++
			}
		case c == '=':
			emit("==")
			i++
			if i < n && expression[i] == '=' {
				i++
			}
			expectValue = true
		case c == '<' || c == '>':
			if i+1 < n && expression[i+1] == '=' {
				emit(expression[i : i+2])
				i += 2
			} else {
				emit(string(c))
				i++
			}
			expectValue = true
		case c == '\'' || c == '"':
			body, consumed, err := scanString(expression[i:], c)
			if err != nil {
				return "", err
			}
			emit(strconv.Quote(body))
			i += consumed
			expectValue = false
		case c >= '0' && c <= '9' || (c == '-' && expectValue):
			j := i + 1
			for j < n && (expression[j] >= '0' && expression[j] <= '9' || expression[j] == '.') {
				j++
			}
			emit(expression[i:j])
			i = j
			expectValue = false
		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentPart(expression[j]) {
				j++
			}
			word := expression[i:j]
			switch {
			case word == "true" || word == "false" || word == "null":
				emit(word)
			case expectValue:
				emit(strconv.Quote(word))
			default:
				emit(`profile["` + word + `"]`)
			}
			expectValue = false
			i = j
		default:
			return "", fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	return out.String(), nil
}

// scanString consumes a quoted literal starting at s[0] and returns its body
// and the number of bytes consumed including both quotes.
func scanString(s string, quote byte) (string, int, error) {
	var b strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			b.WriteByte(s[i+1])
			i += 2
			continue
		}
		if c == quote {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, errors.New("unterminated string literal")
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
