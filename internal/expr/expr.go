// Package expr evaluates runtime expressions against workflow data.
//
// Expressions are jq programs wrapped in ${ ... }. A value that is not an
// expression passes through as a literal; maps and arrays are walked so any
// nested expression leaf is substituted in place.
package expr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/gyre-io/gyre/internal/domain"
)

// IsExpression reports whether s is a ${ ... } wrapped runtime expression.
func IsExpression(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "${") && strings.HasSuffix(t, "}")
}

// unwrap strips the ${ } wrapper. Predicate fields accept bare jq programs,
// so unwrap passes non-wrapped strings through untouched.
func unwrap(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "${") && strings.HasSuffix(t, "}") {
		return strings.TrimSpace(t[2 : len(t)-1])
	}
	return t
}

// Eval runs one jq expression with `.` bound to input and the scope exposed
// as jq variables. The first result is returned; an expression yielding no
// results evaluates to null. Failures come back as expression errors with an
// empty instance for the caller to fill.
func Eval(expression string, input any, scope Scope) (any, error) {
	program := unwrap(expression)

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindExpression, "", err, "parse %q", program)
	}

	names, values := scope.variables()
	code, err := gojq.Compile(query, gojq.WithVariables(names))
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindExpression, "", err, "compile %q", program)
	}

	iter := code.Run(input, values...)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, domain.WrapError(domain.ErrorKindExpression, "", err, "evaluate %q", program)
	}
	return v, nil
}

// EvalString evaluates s when it is an expression, otherwise returns it as a
// literal.
func EvalString(s string, input any, scope Scope) (any, error) {
	if !IsExpression(s) {
		return s, nil
	}
	return Eval(s, input, scope)
}

// EvalTemplate walks v and substitutes every expression leaf. Map keys stay
// literal; only values are candidates.
func EvalTemplate(v any, input any, scope Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return EvalString(t, input, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := EvalTemplate(e, input, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := EvalTemplate(e, input, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// EvalPredicate evaluates a when/exceptWhen style condition using jq
// truthiness: null and false are false, everything else is true.
func EvalPredicate(expression string, input any, scope Scope) (bool, error) {
	v, err := Eval(expression, input, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy applies jq truthiness.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// FromRaw decodes JSON into the plain Go shape expressions operate on.
func FromRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// ToRaw encodes an evaluated value back to JSON.
func ToRaw(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return b, nil
}

// Merge deep-merges b onto a when both are objects, otherwise b wins. Set
// tasks and context exports rely on this.
func Merge(a, b any) any {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if !aok || !bok {
		return b
	}
	out := make(map[string]any, len(am)+len(bm))
	for k, v := range am {
		out[k] = v
	}
	for k, v := range bm {
		if cur, ok := out[k]; ok {
			out[k] = Merge(cur, v)
			continue
		}
		out[k] = v
	}
	return out
}

// Scope holds the named variables visible to an expression, keyed without the
// leading $.
type Scope map[string]any

// variables returns the scope in gojq's parallel name/value form with a
// stable order.
func (s Scope) variables() ([]string, []any) {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)

	vars := make([]string, len(names))
	values := make([]any, len(names))
	for i, k := range names {
		vars[i] = "$" + k
		values[i] = s[k]
	}
	return vars, values
}

// With returns a copy of the scope with one extra binding. Loop iterations
// use this for their item and index variables.
func (s Scope) With(name string, value any) Scope {
	out := make(Scope, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[name] = value
	return out
}
