// Package join evaluates chains of statement patterns. Chains are compiled
// into left-deep nested-loop joins over term IDs; a value-level nested loop
// is used while uncommitted changes are visible.
package join

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

// Variable represents a pattern variable
type Variable struct {
	Name string
}

// NewVariable creates a new variable
func NewVariable(name string) *Variable {
	return &Variable{Name: name}
}

func (v *Variable) String() string {
	return "?" + v.Name
}

// Pattern represents a quad pattern with optional variables
type Pattern struct {
	Subject   any // rdf.Term or *Variable
	Predicate any // rdf.Term or *Variable
	Object    any // rdf.Term or *Variable
	Graph     any // rdf.Term or *Variable (nil means any graph)
}

func (p Pattern) fields() [4]any {
	return [4]any{p.Subject, p.Predicate, p.Object, p.Graph}
}

func (p Pattern) validate() error {
	for i, f := range p.fields() {
		switch f.(type) {
		case rdf.Term, *Variable:
		case nil:
			if i != 3 {
				return fmt.Errorf("pattern %v: position %d is empty", p, i)
			}
		default:
			return fmt.Errorf("pattern %v: unsupported %T at position %d", p, f, i)
		}
	}
	return nil
}

func (p Pattern) String() string {
	parts := make([]string, 0, 4)
	for i, f := range p.fields() {
		switch v := f.(type) {
		case nil:
			if i == 3 {
				continue
			}
			parts = append(parts, "*")
		case fmt.Stringer:
			parts = append(parts, v.String())
		}
	}
	return strings.Join(parts, " ")
}

// Binding represents variable bindings for a result row
type Binding struct {
	Vars map[string]rdf.Term
}

// NewBinding creates a new empty binding
func NewBinding() *Binding {
	return &Binding{Vars: make(map[string]rdf.Term)}
}

// Clone creates a copy of the binding
func (b *Binding) Clone() *Binding {
	nb := &Binding{Vars: make(map[string]rdf.Term, len(b.Vars))}
	for k, v := range b.Vars {
		nb.Vars[k] = v
	}
	return nb
}

// Equal reports whether both bindings hold equal terms for the same variables
func (b *Binding) Equal(other *Binding) bool {
	if len(b.Vars) != len(other.Vars) {
		return false
	}
	for k, v := range b.Vars {
		o, ok := other.Vars[k]
		if !ok || !v.Equals(o) {
			return false
		}
	}
	return true
}

func (b *Binding) String() string {
	names := make([]string, 0, len(b.Vars))
	for k := range b.Vars {
		names = append(names, k)
	}
	sort.Strings(names)
	var sb strings.Builder
	for i, k := range names {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "?%s=%s", k, b.Vars[k])
	}
	return sb.String()
}

// BindingIterator iterates over result rows
type BindingIterator interface {
	Next() bool
	Binding() *Binding
	Err() error
	Close() error
}
