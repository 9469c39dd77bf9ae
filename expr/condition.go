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
	"strings"

	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

// Term is one "attribute op value" comparison
// of an index condition. Value may reference
// variables of the current row.
type Term struct {
	Attribute string
	Op        storage.Op
	Value     Node
}

// Branch is a conjunction of terms served
// by a single index.
type Branch struct {
	Index storage.Index
	Terms []Term
}

// Condition is a disjunction of branches.
// Each branch is evaluated against its own index.
type Condition struct {
	Branches []Branch
}

// Constant returns whether no term
// depends on the current row.
func (c *Condition) Constant() bool {
	for i := range c.Branches {
		for j := range c.Branches[i].Terms {
			if !c.Branches[i].Terms[j].Value.Constant() {
				return false
			}
		}
	}
	return true
}

// Heavy returns whether any term needs a
// managed Context to evaluate.
func (c *Condition) Heavy() bool {
	for i := range c.Branches {
		for j := range c.Branches[i].Terms {
			if c.Branches[i].Terms[j].Value.Heavy() {
				return true
			}
		}
	}
	return false
}

// Vars appends the variables referenced by c to dst.
func (c *Condition) Vars(dst []int) []int {
	for i := range c.Branches {
		for j := range c.Branches[i].Terms {
			dst = Vars(dst, c.Branches[i].Terms[j].Value)
		}
	}
	return dst
}

// Splice evaluates every term of branch i in env
// and returns the resulting storage condition.
// The values in the result are owned by the
// caller and must be released with Release.
func (c *Condition) Splice(ctx *Context, env Env, i int) (storage.Condition, error) {
	b := &c.Branches[i]
	out := make(storage.Condition, 0, len(b.Terms))
	for j := range b.Terms {
		t := &b.Terms[j]
		v, err := t.Value.Eval(ctx, env)
		if err != nil {
			Release(out)
			return nil, err
		}
		out = append(out, storage.Term{Attribute: t.Attribute, Op: t.Op, Value: v})
	}
	return out, nil
}

// Release destroys the values of a spliced condition.
func Release(c storage.Condition) {
	for i := range c {
		c[i].Value.Destroy()
	}
}

func (c *Condition) String() string {
	var sb strings.Builder
	for i := range c.Branches {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteByte('(')
		for j := range c.Branches[i].Terms {
			if j > 0 {
				sb.WriteString(" AND ")
			}
			t := &c.Branches[i].Terms[j]
			sb.WriteString(t.Attribute + " " + t.Op.String() + " ")
			t.Value.text(&sb)
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// constEnv is an Env without variables.
type constEnv struct{}

func (constEnv) Var(int) (value.Value, bool) { return value.Value{}, false }

// Fold evaluates a constant expression.
func Fold(n Node) (value.Value, error) {
	return n.Eval(nil, constEnv{})
}
