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
	"fmt"

	"github.com/SnellerInc/shardql/storage"
	"github.com/SnellerInc/shardql/value"
)

// Wire is the serialized form of a Node.
type Wire struct {
	Type  string      `ion:"t"`
	Value *value.Wire `ion:"v,omitempty"`
	ID    int         `ion:"id,omitempty"`
	Name  string      `ion:"name,omitempty"`
	Op    int         `ion:"op,omitempty"`
	Args  []Wire      `ion:"args,omitempty"`
	Keys  []string    `ion:"keys,omitempty"`
}

// Encode converts n into its serialized form.
// A nil node encodes as the zero Wire.
func Encode(n Node) Wire {
	switch n := n.(type) {
	case nil:
		return Wire{}
	case *Const:
		w := n.Value.ToWire()
		return Wire{Type: "const", Value: &w}
	case *Var:
		return Wire{Type: "var", ID: n.ID, Name: n.Name}
	case *Attr:
		return Wire{Type: "attr", Name: n.Name, Args: []Wire{Encode(n.Of)}}
	case *Compare:
		return Wire{Type: "cmp", Op: int(n.Op), Args: []Wire{Encode(n.Left), Encode(n.Right)}}
	case *Logical:
		args := []Wire{Encode(n.Left)}
		if n.Right != nil {
			args = append(args, Encode(n.Right))
		}
		return Wire{Type: "logical", Op: int(n.Op), Args: args}
	case *Arith:
		return Wire{Type: "arith", Op: int(n.Op), Args: []Wire{Encode(n.Left), Encode(n.Right)}}
	case *Array:
		return Wire{Type: "array", Args: encodeList(n.Elems)}
	case *Object:
		return Wire{Type: "object", Keys: n.Keys, Args: encodeList(n.Values)}
	case *Call:
		return Wire{Type: "call", Name: n.Name, Args: encodeList(n.Args)}
	}
	panic(fmt.Sprintf("expr.Encode: unexpected node %T", n))
}

func encodeList(lst []Node) []Wire {
	out := make([]Wire, len(lst))
	for i := range lst {
		out[i] = Encode(lst[i])
	}
	return out
}

func decodeList(lst []Wire) ([]Node, error) {
	out := make([]Node, len(lst))
	for i := range lst {
		n, err := Decode(lst[i])
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (w *Wire) args(n int) ([]Node, error) {
	if len(w.Args) != n {
		return nil, fmt.Errorf("expr.Decode: %s: expected %d arguments, found %d", w.Type, n, len(w.Args))
	}
	return decodeList(w.Args)
}

// Decode converts a serialized node back into a Node.
// The zero Wire decodes as a nil Node.
func Decode(w Wire) (Node, error) {
	switch w.Type {
	case "":
		return nil, nil
	case "const":
		if w.Value == nil {
			return nil, fmt.Errorf("expr.Decode: const without value")
		}
		v, err := value.FromWire(*w.Value)
		if err != nil {
			return nil, err
		}
		return &Const{Value: v}, nil
	case "var":
		return &Var{ID: w.ID, Name: w.Name}, nil
	case "attr":
		args, err := w.args(1)
		if err != nil {
			return nil, err
		}
		return &Attr{Of: args[0], Name: w.Name}, nil
	case "cmp":
		args, err := w.args(2)
		if err != nil {
			return nil, err
		}
		return &Compare{Op: storage.Op(w.Op), Left: args[0], Right: args[1]}, nil
	case "logical":
		args, err := decodeList(w.Args)
		if err != nil {
			return nil, err
		}
		if len(args) == 0 || len(args) > 2 {
			return nil, fmt.Errorf("expr.Decode: logical with %d arguments", len(args))
		}
		l := &Logical{Op: LogicalOp(w.Op), Left: args[0]}
		if len(args) == 2 {
			l.Right = args[1]
		}
		return l, nil
	case "arith":
		args, err := w.args(2)
		if err != nil {
			return nil, err
		}
		return &Arith{Op: byte(w.Op), Left: args[0], Right: args[1]}, nil
	case "array":
		args, err := decodeList(w.Args)
		if err != nil {
			return nil, err
		}
		return &Array{Elems: args}, nil
	case "object":
		args, err := w.args(len(w.Keys))
		if err != nil {
			return nil, err
		}
		return &Object{Keys: w.Keys, Values: args}, nil
	case "call":
		args, err := decodeList(w.Args)
		if err != nil {
			return nil, err
		}
		return NewCall(w.Name, args...)
	}
	return nil, fmt.Errorf("expr.Decode: unknown node type %q", w.Type)
}

// WireTerm is the serialized form of a Term.
type WireTerm struct {
	Attribute string `ion:"attr"`
	Op        int    `ion:"op,omitempty"`
	Value     Wire   `ion:"value"`
}

// WireBranch is the serialized form of a Branch.
type WireBranch struct {
	Index storage.Index `ion:"index"`
	Terms []WireTerm    `ion:"terms,omitempty"`
}

// EncodeCondition converts c into its serialized form.
func EncodeCondition(c *Condition) []WireBranch {
	out := make([]WireBranch, len(c.Branches))
	for i := range c.Branches {
		b := &c.Branches[i]
		out[i].Index = b.Index
		for j := range b.Terms {
			out[i].Terms = append(out[i].Terms, WireTerm{
				Attribute: b.Terms[j].Attribute,
				Op:        int(b.Terms[j].Op),
				Value:     Encode(b.Terms[j].Value),
			})
		}
	}
	return out
}

// DecodeCondition converts a serialized condition
// back into a Condition.
func DecodeCondition(lst []WireBranch) (*Condition, error) {
	c := &Condition{Branches: make([]Branch, len(lst))}
	for i := range lst {
		c.Branches[i].Index = lst[i].Index
		for _, t := range lst[i].Terms {
			n, err := Decode(t.Value)
			if err != nil {
				return nil, err
			}
			if n == nil {
				return nil, fmt.Errorf("expr.DecodeCondition: term on %q without value", t.Attribute)
			}
			c.Branches[i].Terms = append(c.Branches[i].Terms, Term{
				Attribute: t.Attribute,
				Op:        storage.Op(t.Op),
				Value:     n,
			})
		}
	}
	return c, nil
}
