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

// Package expr implements the expressions
// evaluated by query operators.
//
// Expressions arrive already compiled: variables
// are numeric ids that an Env resolves to the
// value held in the current row. Every Eval
// returns a Value owned by the caller.
package expr

import (
	"math"
	"strconv"
	"strings"

	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

// Env resolves variables for one row.
type Env interface {
	// Var returns a view of the value
	// bound to the variable id.
	Var(id int) (value.Value, bool)
}

// Node is an expression tree node.
type Node interface {
	// Eval evaluates the expression.
	// The result is owned by the caller.
	Eval(ctx *Context, env Env) (value.Value, error)
	// Constant returns whether the expression
	// does not reference any variables.
	Constant() bool
	// Heavy returns whether evaluating the
	// expression requires a managed Context.
	Heavy() bool

	walk(v Visitor)
	text(dst *strings.Builder)
}

// Visitor is an interface that must
// be satisfied by the argument to Walk.
type Visitor interface {
	Visit(Node) Visitor
}

// Walk traverses an expression in depth-first order,
// calling v.Visit for n and (if the returned visitor
// is non-nil) every child of n.
func Walk(v Visitor, n Node) {
	w := v.Visit(n)
	if w != nil {
		n.walk(w)
		w.Visit(nil)
	}
}

type visitfn func(Node) bool

func (f visitfn) Visit(n Node) Visitor {
	if n == nil || !f(n) {
		return nil
	}
	return f
}

// Vars appends the ids of the variables
// referenced by n to dst.
func Vars(dst []int, n Node) []int {
	if n == nil {
		return dst
	}
	Walk(visitfn(func(n Node) bool {
		if v, ok := n.(*Var); ok {
			dst = append(dst, v.ID)
		}
		return true
	}), n)
	return dst
}

// ToString returns the text of n.
func ToString(n Node) string {
	var sb strings.Builder
	n.text(&sb)
	return sb.String()
}

// Const is a literal value.
type Const struct {
	Value value.Value
}

func (c *Const) Eval(*Context, Env) (value.Value, error) { return c.Value.Clone(), nil }
func (c *Const) Constant() bool                          { return true }
func (c *Const) Heavy() bool                             { return false }
func (c *Const) walk(Visitor)                            {}
func (c *Const) text(dst *strings.Builder)               { dst.WriteString(c.Value.String()) }

// Var references a variable by id.
type Var struct {
	ID   int
	Name string
}

func (v *Var) Eval(_ *Context, env Env) (value.Value, error) {
	x, ok := env.Var(v.ID)
	if !ok {
		return value.Value{}, errcode.Newf(errcode.VariableNotFound, "variable %s (#%d) not found", v.Name, v.ID)
	}
	return x.Clone(), nil
}

func (v *Var) Constant() bool { return false }
func (v *Var) Heavy() bool    { return false }
func (v *Var) walk(Visitor)   {}
func (v *Var) text(dst *strings.Builder) {
	if v.Name != "" {
		dst.WriteString(v.Name)
		return
	}
	dst.WriteString("$" + strconv.Itoa(v.ID))
}

// Attr is an attribute access "Of.Name".
type Attr struct {
	Of   Node
	Name string
}

// view evaluates n without copying when n is
// a chain of attribute accesses rooted at a
// variable; the returned value must then not
// be destroyed.
func view(ctx *Context, env Env, n Node) (value.Value, bool, error) {
	switch n := n.(type) {
	case *Var:
		x, ok := env.Var(n.ID)
		if !ok {
			return value.Value{}, false, errcode.Newf(errcode.VariableNotFound, "variable %s (#%d) not found", n.Name, n.ID)
		}
		return x, false, nil
	case *Attr:
		base, owned, err := view(ctx, env, n.Of)
		if err != nil {
			return value.Value{}, false, err
		}
		if owned {
			out := base.Get(n.Name).Clone()
			base.Destroy()
			return out, true, nil
		}
		return base.Get(n.Name), false, nil
	}
	v, err := n.Eval(ctx, env)
	return v, true, err
}

func (a *Attr) Eval(ctx *Context, env Env) (value.Value, error) {
	v, owned, err := view(ctx, env, a)
	if err != nil || owned {
		return v, err
	}
	return v.Clone(), nil
}

func (a *Attr) Constant() bool { return a.Of.Constant() }
func (a *Attr) Heavy() bool    { return a.Of.Heavy() }
func (a *Attr) walk(v Visitor) { Walk(v, a.Of) }
func (a *Attr) text(dst *strings.Builder) {
	a.Of.text(dst)
	dst.WriteByte('.')
	dst.WriteString(a.Name)
}

// Compare is a binary comparison.
type Compare struct {
	Op          storage.Op
	Left, Right Node
}

func (c *Compare) Eval(ctx *Context, env Env) (value.Value, error) {
	l, lo, err := view(ctx, env, c.Left)
	if err != nil {
		return value.Value{}, err
	}
	r, ro, err := view(ctx, env, c.Right)
	if err != nil {
		if lo {
			l.Destroy()
		}
		return value.Value{}, err
	}
	t := storage.Term{Op: c.Op, Value: r}
	out := t.Matches(l)
	if lo {
		l.Destroy()
	}
	if ro {
		r.Destroy()
	}
	return value.NewBool(out), nil
}

func (c *Compare) Constant() bool { return c.Left.Constant() && c.Right.Constant() }
func (c *Compare) Heavy() bool    { return c.Left.Heavy() || c.Right.Heavy() }
func (c *Compare) walk(v Visitor) {
	Walk(v, c.Left)
	Walk(v, c.Right)
}
func (c *Compare) text(dst *strings.Builder) {
	c.Left.text(dst)
	dst.WriteString(" " + c.Op.String() + " ")
	c.Right.text(dst)
}

// LogicalOp is a boolean connective.
type LogicalOp int

const (
	OpAnd LogicalOp = iota
	OpOr
	OpNot
)

// Logical is AND, OR or NOT.
// NOT uses only Left.
type Logical struct {
	Op          LogicalOp
	Left, Right Node
}

func (l *Logical) Eval(ctx *Context, env Env) (value.Value, error) {
	a, err := truth(ctx, env, l.Left)
	if err != nil {
		return value.Value{}, err
	}
	switch l.Op {
	case OpNot:
		return value.NewBool(!a), nil
	case OpAnd:
		if !a {
			return value.NewBool(false), nil
		}
	case OpOr:
		if a {
			return value.NewBool(true), nil
		}
	}
	b, err := truth(ctx, env, l.Right)
	if err != nil {
		return value.Value{}, err
	}
	return value.NewBool(b), nil
}

func truth(ctx *Context, env Env, n Node) (bool, error) {
	v, owned, err := view(ctx, env, n)
	if err != nil {
		return false, err
	}
	t := v.Truthy()
	if owned {
		v.Destroy()
	}
	return t, nil
}

func (l *Logical) Constant() bool {
	return l.Left.Constant() && (l.Right == nil || l.Right.Constant())
}

func (l *Logical) Heavy() bool {
	return l.Left.Heavy() || (l.Right != nil && l.Right.Heavy())
}

func (l *Logical) walk(v Visitor) {
	Walk(v, l.Left)
	if l.Right != nil {
		Walk(v, l.Right)
	}
}

func (l *Logical) text(dst *strings.Builder) {
	if l.Op == OpNot {
		dst.WriteString("NOT ")
		l.Left.text(dst)
		return
	}
	dst.WriteByte('(')
	l.Left.text(dst)
	if l.Op == OpAnd {
		dst.WriteString(" AND ")
	} else {
		dst.WriteString(" OR ")
	}
	l.Right.text(dst)
	dst.WriteByte(')')
}

// Arith is a binary arithmetic operation;
// Op is one of '+', '-', '*', '/' or '%'.
type Arith struct {
	Op          byte
	Left, Right Node
}

func (a *Arith) Eval(ctx *Context, env Env) (value.Value, error) {
	l, err := number(ctx, env, a.Left)
	if err != nil {
		return value.Value{}, err
	}
	r, err := number(ctx, env, a.Right)
	if err != nil {
		return value.Value{}, err
	}
	var out float64
	switch a.Op {
	case '+':
		out = l + r
	case '-':
		out = l - r
	case '*':
		out = l * r
	case '/':
		if r == 0 {
			return value.NullValue(), nil
		}
		out = l / r
	case '%':
		if r == 0 {
			return value.NullValue(), nil
		}
		out = math.Mod(l, r)
	default:
		return value.Value{}, errcode.Newf(errcode.PlanStructure, "unknown arithmetic operator %q", a.Op)
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return value.NullValue(), nil
	}
	return value.NewNumber(out), nil
}

func number(ctx *Context, env Env, n Node) (float64, error) {
	v, owned, err := view(ctx, env, n)
	if err != nil {
		return 0, err
	}
	f, _ := v.ToNumber()
	if owned {
		v.Destroy()
	}
	return f, nil
}

func (a *Arith) Constant() bool { return a.Left.Constant() && a.Right.Constant() }
func (a *Arith) Heavy() bool    { return a.Left.Heavy() || a.Right.Heavy() }
func (a *Arith) walk(v Visitor) {
	Walk(v, a.Left)
	Walk(v, a.Right)
}
func (a *Arith) text(dst *strings.Builder) {
	dst.WriteByte('(')
	a.Left.text(dst)
	dst.WriteString(" " + string(a.Op) + " ")
	a.Right.text(dst)
	dst.WriteByte(')')
}

// Array is an array literal.
type Array struct {
	Elems []Node
}

func (a *Array) Eval(ctx *Context, env Env) (value.Value, error) {
	elems := make([]value.Value, 0, len(a.Elems))
	for _, e := range a.Elems {
		v, err := e.Eval(ctx, env)
		if err != nil {
			release(elems)
			return value.Value{}, err
		}
		elems = append(elems, v)
	}
	return ctx.heap().Array(elems...), nil
}

func (a *Array) Constant() bool { return allConstant(a.Elems) }
func (a *Array) Heavy() bool    { return anyHeavy(a.Elems) }
func (a *Array) walk(v Visitor) {
	for _, e := range a.Elems {
		Walk(v, e)
	}
}
func (a *Array) text(dst *strings.Builder) {
	dst.WriteByte('[')
	for i, e := range a.Elems {
		if i > 0 {
			dst.WriteString(", ")
		}
		e.text(dst)
	}
	dst.WriteByte(']')
}

// Object is an object literal.
type Object struct {
	Keys   []string
	Values []Node
}

func (o *Object) Eval(ctx *Context, env Env) (value.Value, error) {
	vals := make([]value.Value, 0, len(o.Values))
	for _, e := range o.Values {
		v, err := e.Eval(ctx, env)
		if err != nil {
			release(vals)
			return value.Value{}, err
		}
		vals = append(vals, v)
	}
	return ctx.heap().Object(o.Keys, vals), nil
}

func (o *Object) Constant() bool { return allConstant(o.Values) }
func (o *Object) Heavy() bool    { return anyHeavy(o.Values) }
func (o *Object) walk(v Visitor) {
	for _, e := range o.Values {
		Walk(v, e)
	}
}
func (o *Object) text(dst *strings.Builder) {
	dst.WriteByte('{')
	for i := range o.Keys {
		if i > 0 {
			dst.WriteString(", ")
		}
		dst.WriteString(o.Keys[i] + ": ")
		o.Values[i].text(dst)
	}
	dst.WriteByte('}')
}

func allConstant(lst []Node) bool {
	for _, n := range lst {
		if !n.Constant() {
			return false
		}
	}
	return true
}

func anyHeavy(lst []Node) bool {
	for _, n := range lst {
		if n.Heavy() {
			return true
		}
	}
	return false
}

func release(vs []value.Value) {
	for i := range vs {
		vs[i].Destroy()
	}
}

func (c *Const) String() string   { return ToString(c) }
func (v *Var) String() string     { return ToString(v) }
func (a *Attr) String() string    { return ToString(a) }
func (c *Compare) String() string { return ToString(c) }
func (l *Logical) String() string { return ToString(l) }
func (a *Arith) String() string   { return ToString(a) }
func (a *Array) String() string   { return ToString(a) }
func (o *Object) String() string  { return ToString(o) }
