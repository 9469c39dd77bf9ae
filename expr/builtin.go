// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package expr

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/value"
)

// Context is the evaluation context of an
// expression. A managed Context additionally
// caches compiled state for heavy builtins;
// operators acquire one only when an
// expression they evaluate reports Heavy.
type Context struct {
	// Heap allocates the results of evaluation.
	Heap *value.Heap

	managed bool
	regexps map[string]*regexp.Regexp
}

// NewContext returns an unmanaged Context.
func NewContext(h *value.Heap) *Context {
	return &Context{Heap: h}
}

// NewManagedContext returns a Context that
// can evaluate heavy builtins.
func NewManagedContext(h *value.Heap) *Context {
	return &Context{Heap: h, managed: true, regexps: make(map[string]*regexp.Regexp)}
}

// Managed returns whether c is a managed Context.
func (c *Context) Managed() bool { return c != nil && c.managed }

// Reset drops cached state.
func (c *Context) Reset() {
	for k := range c.regexps {
		delete(c.regexps, k)
	}
}

func (c *Context) heap() *value.Heap {
	if c == nil || c.Heap == nil {
		return value.Default()
	}
	return c.Heap
}

type builtin struct {
	name  string
	min   int
	max   int // -1 means variadic
	heavy bool
	fn    func(ctx *Context, args []value.Value) (value.Value, error)
}

var builtins = map[string]*builtin{}

func define(b *builtin) { builtins[b.name] = b }

func init() {
	define(&builtin{name: "LENGTH", min: 1, max: 1, fn: fnLength})
	define(&builtin{name: "CONCAT", min: 0, max: -1, fn: fnConcat})
	define(&builtin{name: "LOWER", min: 1, max: 1, fn: fnLower})
	define(&builtin{name: "UPPER", min: 1, max: 1, fn: fnUpper})
	define(&builtin{name: "TO_NUMBER", min: 1, max: 1, fn: fnToNumber})
	define(&builtin{name: "TO_STRING", min: 1, max: 1, fn: fnToString})
	define(&builtin{name: "ABS", min: 1, max: 1, fn: fnAbs})
	define(&builtin{name: "FLOOR", min: 1, max: 1, fn: fnFloor})
	define(&builtin{name: "IS_NULL", min: 1, max: 1, fn: fnIsNull})
	define(&builtin{name: "HAS", min: 2, max: 2, fn: fnHas})
	define(&builtin{name: "MERGE", min: 1, max: -1, fn: fnMerge})
	define(&builtin{name: "KEYS", min: 1, max: 1, fn: fnKeys})
	define(&builtin{name: "RANGE", min: 2, max: 2, fn: fnRange})
	define(&builtin{name: "REGEX_TEST", min: 2, max: 2, heavy: true, fn: fnRegexTest})
}

// Call is a call to a builtin function.
type Call struct {
	Name string
	Args []Node

	fn *builtin
}

// NewCall resolves a builtin function by name.
func NewCall(name string, args ...Node) (*Call, error) {
	b, ok := builtins[strings.ToUpper(name)]
	if !ok {
		return nil, errcode.Newf(errcode.PlanStructure, "unknown function %s", name)
	}
	if len(args) < b.min || (b.max >= 0 && len(args) > b.max) {
		return nil, errcode.Newf(errcode.PlanStructure, "function %s: unexpected number of arguments %d", b.name, len(args))
	}
	return &Call{Name: b.name, Args: args, fn: b}, nil
}

// MustCall is NewCall that panics on error.
func MustCall(name string, args ...Node) *Call {
	c, err := NewCall(name, args...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Call) Eval(ctx *Context, env Env) (value.Value, error) {
	if c.fn.heavy && !ctx.Managed() {
		return value.Value{}, errcode.Newf(errcode.Internal, "function %s requires a managed context", c.Name)
	}
	args := make([]value.Value, 0, len(c.Args))
	for _, a := range c.Args {
		v, err := a.Eval(ctx, env)
		if err != nil {
			release(args)
			return value.Value{}, err
		}
		args = append(args, v)
	}
	out, err := c.fn.fn(ctx, args)
	release(args)
	return out, err
}

func (c *Call) Constant() bool { return allConstant(c.Args) }
func (c *Call) Heavy() bool    { return c.fn.heavy || anyHeavy(c.Args) }
func (c *Call) walk(v Visitor) {
	for _, a := range c.Args {
		Walk(v, a)
	}
}
func (c *Call) text(dst *strings.Builder) {
	dst.WriteString(c.Name)
	dst.WriteByte('(')
	for i, a := range c.Args {
		if i > 0 {
			dst.WriteString(", ")
		}
		a.text(dst)
	}
	dst.WriteByte(')')
}
func (c *Call) String() string { return ToString(c) }

func fnLength(_ *Context, args []value.Value) (value.Value, error) {
	v := args[0]
	switch v.Kind() {
	case value.Null, value.Empty:
		return value.NewInt(0), nil
	case value.Bool:
		if v.Bool() {
			return value.NewInt(1), nil
		}
		return value.NewInt(0), nil
	case value.Number:
		return value.NewInt(int64(len(v.String()))), nil
	case value.ShortString, value.LongString:
		return value.NewInt(int64(len([]rune(v.Str())))), nil
	}
	return value.NewInt(int64(v.Len())), nil
}

func stringOf(v value.Value) string {
	switch v.Kind() {
	case value.Null, value.Empty:
		return ""
	case value.ShortString, value.LongString:
		return v.Str()
	}
	return v.String()
}

func fnConcat(ctx *Context, args []value.Value) (value.Value, error) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(stringOf(a))
	}
	return ctx.heap().String(sb.String()), nil
}

func fnLower(ctx *Context, args []value.Value) (value.Value, error) {
	return ctx.heap().String(strings.ToLower(stringOf(args[0]))), nil
}

func fnUpper(ctx *Context, args []value.Value) (value.Value, error) {
	return ctx.heap().String(strings.ToUpper(stringOf(args[0]))), nil
}

func fnToNumber(_ *Context, args []value.Value) (value.Value, error) {
	f, _ := args[0].ToNumber()
	return value.NewNumber(f), nil
}

func fnToString(ctx *Context, args []value.Value) (value.Value, error) {
	return ctx.heap().String(stringOf(args[0])), nil
}

func fnAbs(_ *Context, args []value.Value) (value.Value, error) {
	f, _ := args[0].ToNumber()
	return value.NewNumber(math.Abs(f)), nil
}

func fnFloor(_ *Context, args []value.Value) (value.Value, error) {
	f, _ := args[0].ToNumber()
	return value.NewNumber(math.Floor(f)), nil
}

func fnIsNull(_ *Context, args []value.Value) (value.Value, error) {
	return value.NewBool(args[0].IsNull()), nil
}

func fnHas(_ *Context, args []value.Value) (value.Value, error) {
	return value.NewBool(args[0].Has(stringOf(args[1]))), nil
}

func fnMerge(ctx *Context, args []value.Value) (value.Value, error) {
	var keys []string
	var vals []value.Value
	for _, a := range args {
		if !a.IsObject() {
			release(vals)
			return value.Value{}, errcode.Newf(errcode.TypeMismatch, "MERGE: expected object, got %s", a.Kind())
		}
		for _, k := range a.Keys() {
			keys = append(keys, k)
			vals = append(vals, a.Get(k).Clone())
		}
	}
	return ctx.heap().Object(keys, vals), nil
}

func fnKeys(ctx *Context, args []value.Value) (value.Value, error) {
	keys := append([]string(nil), args[0].Keys()...)
	sort.Strings(keys)
	elems := make([]value.Value, len(keys))
	for i := range keys {
		elems[i] = ctx.heap().String(keys[i])
	}
	return ctx.heap().Array(elems...), nil
}

// maxRange bounds the size of arrays built by RANGE.
const maxRange = 1 << 20

func fnRange(ctx *Context, args []value.Value) (value.Value, error) {
	lo, _ := args[0].ToNumber()
	hi, _ := args[1].ToNumber()
	if hi-lo >= maxRange {
		return value.Value{}, errcode.Newf(errcode.ResourceLimit, "RANGE(%g, %g) is too large", lo, hi)
	}
	var elems []value.Value
	for f := lo; f <= hi; f++ {
		elems = append(elems, value.NewNumber(f))
	}
	return ctx.heap().Array(elems...), nil
}

func fnRegexTest(ctx *Context, args []value.Value) (value.Value, error) {
	pattern := stringOf(args[1])
	re, ok := ctx.regexps[pattern]
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return value.Value{}, errcode.Wrapf(errcode.TypeMismatch, err, "REGEX_TEST")
		}
		ctx.regexps[pattern] = re
	}
	return value.NewBool(re.MatchString(stringOf(args[0]))), nil
}
