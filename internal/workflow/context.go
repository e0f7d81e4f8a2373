// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Context is the mutable variable map carried by an execution.
type Context map[string]Value

// ContextFromAny converts a plain map into a Context.
func ContextFromAny(m map[string]any) (Context, error) {
	out := make(Context, len(m))
	for k, raw := range m {
		v, err := FromAny(raw)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Clone returns a shallow copy. Values are immutable so sharing them is safe.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c Context) Get(key string) (Value, bool) {
	v, ok := c[key]
	return v, ok
}

func (c Context) Set(key string, v Value) {
	c[key] = v
}

// Has reports whether key holds a non-null value.
func (c Context) Has(key string) bool {
	v, ok := c[key]
	return ok && !v.IsNull()
}

func (c Context) GetString(key string) (string, bool) {
	return c[key].AsString()
}

func (c Context) GetNumber(key string) (float64, bool) {
	return c[key].AsNumber()
}

func (c Context) GetBool(key string) (bool, bool) {
	return c[key].AsBool()
}

// Keys returns the context keys in sorted order.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup resolves a variable name or a dotted path such as "customer.name"
// or "items.0". Exact keys win over path traversal.
func (c Context) Lookup(path string) (Value, bool) {
	path = strings.TrimSpace(path)
	if v, ok := c[path]; ok {
		return v, true
	}
	if !strings.ContainsAny(path, ".#") {
		return Null, false
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return Null, false
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return Null, false
	}
	v, err := FromAny(res.Value())
	if err != nil {
		return Null, false
	}
	return v, true
}

// Any converts the context into plain Go values.
func (c Context) Any() map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v.Any()
	}
	return out
}
