// SPDX-License-Identifier: AGPL-3.0-or-later

// Package expr evaluates the small boolean and value expressions used by
// condition and validation steps. Expressions run in a fresh, sandboxed Lua
// state per call with the execution context bound as globals.
package expr

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/bartekus/skillflow/internal/workflow"
)

// ErrExpression wraps every compile or runtime failure of an expression.
var ErrExpression = errors.New("expression error")

const defaultTimeout = time.Second

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var luaKeywords = map[string]bool{
	"and": true, "break": true, "do": true, "else": true, "elseif": true, "end": true,
	"false": true, "for": true, "function": true, "goto": true, "if": true, "in": true,
	"local": true, "nil": true, "not": true, "or": true, "repeat": true, "return": true,
	"then": true, "true": true, "until": true, "while": true,
}

// unsafe base functions removed from every state.
var stripped = []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "print", "collectgarbage", "setfenv", "getfenv"}

type Option func(*Evaluator)

// WithTimeout bounds a single evaluation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// Evaluator is safe for concurrent use; it keeps no Lua state between calls.
type Evaluator struct {
	timeout time.Duration
}

func New(opts ...Option) *Evaluator {
	e := &Evaluator{timeout: defaultTimeout}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Bool evaluates expr and reports its truthiness.
func (e *Evaluator) Bool(ctx context.Context, expr string, vars workflow.Context) (bool, error) {
	v, err := e.Eval(ctx, expr, vars)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

// Eval evaluates expr against vars and converts the result back to a Value.
func (e *Evaluator) Eval(ctx context.Context, expr string, vars workflow.Context) (workflow.Value, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return workflow.Null, fmt.Errorf("%w: empty expression", ErrExpression)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	L := newState()
	defer L.Close()
	L.SetContext(ctx)
	bind(L, vars)

	if err := L.DoString("return (" + Normalize(src) + ")"); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return workflow.Null, fmt.Errorf("%w: %q: %w", ErrExpression, src, ctxErr)
		}
		return workflow.Null, fmt.Errorf("%w: %q: %v", ErrExpression, src, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return fromLua(ret), nil
}

func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.TabLibName, lua.OpenTable},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range stripped {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("len", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(fromLua(L.Get(1)).Len()))
		return 1
	}))
	L.SetGlobal("empty", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(IsEmpty(fromLua(L.Get(1)))))
		return 1
	}))
	L.SetGlobal("contains", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(Contains(fromLua(L.Get(1)), fromLua(L.Get(2)))))
		return 1
	}))
	L.SetGlobal("lower", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(strings.ToLower(L.CheckString(1))))
		return 1
	}))
	L.SetGlobal("upper", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(strings.ToUpper(L.CheckString(1))))
		return 1
	}))
	return L
}

// bind exposes vars as globals (when the key is a Lua identifier) and as the
// ctx table.
func bind(L *lua.LState, vars workflow.Context) {
	all := L.NewTable()
	keys := vars.Keys()
	for _, k := range keys {
		lv := toLua(L, vars[k])
		all.RawSetString(k, lv)
		if identRe.MatchString(k) && !luaKeywords[k] && L.GetGlobal(k) == lua.LNil {
			L.SetGlobal(k, lv)
		}
	}
	L.SetGlobal("ctx", all)
}

// IsEmpty reports whether v is null or an empty string, list or map.
func IsEmpty(v workflow.Value) bool {
	switch v.Kind() {
	case workflow.KindNull:
		return true
	case workflow.KindString, workflow.KindList, workflow.KindMap:
		return v.Len() == 0
	}
	return false
}

// Contains reports whether haystack contains needle: substring for strings,
// element for lists, key for maps.
func Contains(haystack, needle workflow.Value) bool {
	switch haystack.Kind() {
	case workflow.KindString:
		s, _ := haystack.AsString()
		return strings.Contains(s, needle.Text())
	case workflow.KindList:
		items, _ := haystack.AsList()
		for _, item := range items {
			if item.Equal(needle) {
				return true
			}
			if c, ok := item.Compare(needle); ok && c == 0 {
				return true
			}
		}
	case workflow.KindMap:
		m, _ := haystack.AsMap()
		_, ok := m[needle.Text()]
		return ok
	}
	return false
}

func toLua(L *lua.LState, v workflow.Value) lua.LValue {
	switch v.Kind() {
	case workflow.KindString:
		s, _ := v.AsString()
		return lua.LString(s)
	case workflow.KindNumber:
		n, _ := v.AsNumber()
		return lua.LNumber(n)
	case workflow.KindBool:
		b, _ := v.AsBool()
		return lua.LBool(b)
	case workflow.KindList:
		items, _ := v.AsList()
		t := L.CreateTable(len(items), 0)
		for _, item := range items {
			t.Append(toLua(L, item))
		}
		return t
	case workflow.KindMap:
		m, _ := v.AsMap()
		t := L.CreateTable(0, len(m))
		for k, item := range m {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}

func fromLua(lv lua.LValue) workflow.Value {
	switch t := lv.(type) {
	case lua.LBool:
		return workflow.Bool(bool(t))
	case lua.LNumber:
		return workflow.Number(float64(t))
	case lua.LString:
		return workflow.String(string(t))
	case *lua.LTable:
		if n := t.MaxN(); n > 0 {
			items := make([]workflow.Value, 0, n)
			for i := 1; i <= n; i++ {
				items = append(items, fromLua(t.RawGetInt(i)))
			}
			return workflow.List(items...)
		}
		m := map[string]workflow.Value{}
		t.ForEach(func(k, v lua.LValue) {
			m[k.String()] = fromLua(v)
		})
		return workflow.Map(m)
	default:
		return workflow.Null
	}
}

// Normalize rewrites C-style operators (!=, &&, ||, !) into Lua outside of
// quoted strings.
func Normalize(src string) string {
	var b strings.Builder
	var quote rune
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			b.WriteRune(r)
			if r == '\\' && i+1 < len(runes) {
				i++
				b.WriteRune(runes[i])
			} else if r == quote {
				quote = 0
			}
			continue
		}
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch {
		case r == '"' || r == '\'':
			quote = r
			b.WriteRune(r)
		case r == '!' && next == '=':
			b.WriteString("~=")
			i++
		case r == '&' && next == '&':
			b.WriteString(" and ")
			i++
		case r == '|' && next == '|':
			b.WriteString(" or ")
			i++
		case r == '!':
			b.WriteString(" not ")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
