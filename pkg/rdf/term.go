package rdf

import (
	"fmt"
	"strings"
	"time"
)

// TermType represents the type of an RDF term
type TermType byte

const (
	TermTypeNamedNode TermType = iota + 1
	TermTypeBlankNode
	TermTypeLiteral
	TermTypeDefaultGraph
	TermTypeQuotedTriple
)

func (t TermType) String() string {
	switch t {
	case TermTypeNamedNode:
		return "iri"
	case TermTypeBlankNode:
		return "bnode"
	case TermTypeLiteral:
		return "literal"
	case TermTypeDefaultGraph:
		return "default-graph"
	case TermTypeQuotedTriple:
		return "triple"
	}
	return "unknown"
}

// Term represents an RDF term (IRI, blank node, literal or quoted triple)
type Term interface {
	Type() TermType
	String() string
	Equals(other Term) bool
}

// NamedNode represents an IRI
type NamedNode struct {
	IRI string
}

func NewNamedNode(iri string) *NamedNode {
	return &NamedNode{IRI: iri}
}

func (n *NamedNode) Type() TermType {
	return TermTypeNamedNode
}

func (n *NamedNode) String() string {
	return "<" + n.IRI + ">"
}

func (n *NamedNode) Equals(other Term) bool {
	if on, ok := other.(*NamedNode); ok {
		return n.IRI == on.IRI
	}
	return false
}

// BlankNode represents a blank node
type BlankNode struct {
	ID string
}

func NewBlankNode(id string) *BlankNode {
	return &BlankNode{ID: id}
}

func (b *BlankNode) Type() TermType {
	return TermTypeBlankNode
}

func (b *BlankNode) String() string {
	return "_:" + b.ID
}

func (b *BlankNode) Equals(other Term) bool {
	if ob, ok := other.(*BlankNode); ok {
		return b.ID == ob.ID
	}
	return false
}

// Literal represents an RDF literal. A nil Datatype means xsd:string, or
// rdf:langString when Language is set.
type Literal struct {
	Value    string
	Language string
	Datatype *NamedNode
}

func NewLiteral(value string) *Literal {
	return &Literal{Value: value}
}

func NewLiteralWithLanguage(value, language string) *Literal {
	return &Literal{Value: value, Language: language}
}

func NewLiteralWithDatatype(value string, datatype *NamedNode) *Literal {
	if datatype != nil && datatype.IRI == XSDString.IRI {
		datatype = nil
	}
	return &Literal{Value: value, Datatype: datatype}
}

func (l *Literal) Type() TermType {
	return TermTypeLiteral
}

var literalEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

func (l *Literal) String() string {
	result := `"` + literalEscaper.Replace(l.Value) + `"`
	if l.Language != "" {
		result += "@" + l.Language
	} else if l.Datatype != nil {
		result += "^^" + l.Datatype.String()
	}
	return result
}

func (l *Literal) Equals(other Term) bool {
	ol, ok := other.(*Literal)
	if !ok {
		return false
	}
	if l.Value != ol.Value || l.Language != ol.Language {
		return false
	}
	if l.Datatype == nil || ol.Datatype == nil {
		return l.Datatype == nil && ol.Datatype == nil
	}
	return l.Datatype.Equals(ol.Datatype)
}

// DefaultGraph represents the default graph
type DefaultGraph struct{}

func NewDefaultGraph() *DefaultGraph {
	return &DefaultGraph{}
}

func (d *DefaultGraph) Type() TermType {
	return TermTypeDefaultGraph
}

func (d *DefaultGraph) String() string {
	return "DEFAULT"
}

func (d *DefaultGraph) Equals(other Term) bool {
	_, ok := other.(*DefaultGraph)
	return ok
}

// QuotedTriple is an RDF-star triple used as a term
type QuotedTriple struct {
	Subject   Term
	Predicate Term
	Object    Term
}

// NewQuotedTriple validates the positions of an embedded triple
func NewQuotedTriple(subject, predicate, object Term) (*QuotedTriple, error) {
	switch subject.(type) {
	case *NamedNode, *BlankNode, *QuotedTriple:
	default:
		return nil, fmt.Errorf("quoted triple subject must be an IRI, blank node or triple, got %T", subject)
	}
	if _, ok := predicate.(*NamedNode); !ok {
		return nil, fmt.Errorf("quoted triple predicate must be an IRI, got %T", predicate)
	}
	if object == nil {
		return nil, fmt.Errorf("quoted triple object is nil")
	}
	if _, ok := object.(*DefaultGraph); ok {
		return nil, fmt.Errorf("quoted triple object cannot be the default graph")
	}
	return &QuotedTriple{Subject: subject, Predicate: predicate, Object: object}, nil
}

func (q *QuotedTriple) Type() TermType {
	return TermTypeQuotedTriple
}

func (q *QuotedTriple) String() string {
	return fmt.Sprintf("<< %s %s %s >>", q.Subject, q.Predicate, q.Object)
}

func (q *QuotedTriple) Equals(other Term) bool {
	oq, ok := other.(*QuotedTriple)
	if !ok {
		return false
	}
	return q.Subject.Equals(oq.Subject) && q.Predicate.Equals(oq.Predicate) && q.Object.Equals(oq.Object)
}

// Quad represents an RDF quad (subject, predicate, object, graph)
type Quad struct {
	Subject   Term
	Predicate Term
	Object    Term
	Graph     Term
}

func NewQuad(subject, predicate, object, graph Term) *Quad {
	if graph == nil {
		graph = NewDefaultGraph()
	}
	return &Quad{
		Subject:   subject,
		Predicate: predicate,
		Object:    object,
		Graph:     graph,
	}
}

func (q *Quad) String() string {
	if _, ok := q.Graph.(*DefaultGraph); ok || q.Graph == nil {
		return fmt.Sprintf("%s %s %s .", q.Subject, q.Predicate, q.Object)
	}
	return fmt.Sprintf("%s %s %s %s .", q.Subject, q.Predicate, q.Object, q.Graph)
}

// Helper functions for common XSD datatypes
var (
	XSDString     = NewNamedNode("http://www.w3.org/2001/XMLSchema#string")
	XSDInteger    = NewNamedNode("http://www.w3.org/2001/XMLSchema#integer")
	XSDDecimal    = NewNamedNode("http://www.w3.org/2001/XMLSchema#decimal")
	XSDDouble     = NewNamedNode("http://www.w3.org/2001/XMLSchema#double")
	XSDBoolean    = NewNamedNode("http://www.w3.org/2001/XMLSchema#boolean")
	XSDDateTime   = NewNamedNode("http://www.w3.org/2001/XMLSchema#dateTime")
	RDFLangString = NewNamedNode("http://www.w3.org/1999/02/22-rdf-syntax-ns#langString")
)

func NewIntegerLiteral(value int64) *Literal {
	return NewLiteralWithDatatype(fmt.Sprintf("%d", value), XSDInteger)
}

func NewDoubleLiteral(value float64) *Literal {
	return NewLiteralWithDatatype(fmt.Sprintf("%g", value), XSDDouble)
}

func NewBooleanLiteral(value bool) *Literal {
	return NewLiteralWithDatatype(fmt.Sprintf("%t", value), XSDBoolean)
}

func NewDateTimeLiteral(value time.Time) *Literal {
	return NewLiteralWithDatatype(value.Format(time.RFC3339), XSDDateTime)
}
