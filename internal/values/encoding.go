package values

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/aleksaelezovic/quadstore/internal/varint"
	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

// Record type bytes. They double as the first byte of direct data keys, so
// they must never collide with the ID and hash key prefixes.
const (
	idKeyPrefix   byte = 0x00
	hashKeyPrefix byte = 0x01

	typeIRI     byte = 0x02
	typeBNode   byte = 0x03
	typeLiteral byte = 0x04
	typeTriple  byte = 0x05
)

// ErrLanguageWithDatatype is returned for a literal carrying both a
// language tag and an explicit datatype
var ErrLanguageWithDatatype = errors.New("literal has both a language tag and a datatype")

// maxDirectKey is the longest record stored directly as a lookup key
const maxDirectKey = 15

func idKey(id uint64) []byte {
	return varint.Append([]byte{idKeyPrefix}, id)
}

func hashBucket(hash uint64) []byte {
	return varint.Append([]byte{hashKeyPrefix}, hash)
}

// contentHash is the bucket hash of a serialized record
func contentHash(data []byte) uint64 {
	return xxh3.Hash(data)
}

// termHash identifies a term without resolving nested IDs. It keys the
// reverse cache.
func termHash(t rdf.Term) uint64 {
	var buf bytes.Buffer
	writeTermKey(&buf, t)
	return xxh3.Hash(buf.Bytes())
}

func writeTermKey(buf *bytes.Buffer, t rdf.Term) {
	buf.WriteByte(byte(t.Type()))
	switch v := t.(type) {
	case *rdf.NamedNode:
		buf.WriteString(v.IRI)
	case *rdf.BlankNode:
		buf.WriteString(v.ID)
	case *rdf.Literal:
		buf.Write(varint.Append(nil, uint64(len(v.Value))))
		buf.WriteString(v.Value)
		buf.Write(varint.Append(nil, uint64(len(v.Language))))
		buf.WriteString(v.Language)
		if v.Datatype != nil {
			buf.WriteString(v.Datatype.IRI)
		}
	case *rdf.QuotedTriple:
		writeTermKey(buf, v.Subject)
		writeTermKey(buf, v.Predicate)
		writeTermKey(buf, v.Object)
	}
}

// encodeRecord serializes t. deps holds the IDs of the nested terms: the
// datatype of a literal or the three components of a quoted triple.
func encodeRecord(t rdf.Term, deps []uint64) ([]byte, error) {
	switch v := t.(type) {
	case *rdf.NamedNode:
		return append([]byte{typeIRI}, v.IRI...), nil
	case *rdf.BlankNode:
		return append([]byte{typeBNode}, v.ID...), nil
	case *rdf.Literal:
		if v.Language != "" && v.Datatype != nil {
			return nil, fmt.Errorf("%w: %s", ErrLanguageWithDatatype, v.Value)
		}
		if len(v.Language) > 255 {
			return nil, fmt.Errorf("language tag too long: %d bytes", len(v.Language))
		}
		var dt uint64
		if len(deps) > 0 {
			dt = deps[0]
		}
		out := varint.Append([]byte{typeLiteral}, dt)
		out = append(out, byte(len(v.Language)))
		out = append(out, v.Language...)
		return append(out, v.Value...), nil
	case *rdf.QuotedTriple:
		if len(deps) != 3 {
			return nil, fmt.Errorf("quoted triple needs 3 component ids, got %d", len(deps))
		}
		return varint.AppendAll([]byte{typeTriple}, deps...), nil
	}
	return nil, fmt.Errorf("unsupported term type %T", t)
}

// nestedTerms returns the terms a record depends on
func nestedTerms(t rdf.Term) []rdf.Term {
	switch v := t.(type) {
	case *rdf.Literal:
		if v.Datatype != nil && v.Language == "" {
			return []rdf.Term{v.Datatype}
		}
	case *rdf.QuotedTriple:
		return []rdf.Term{v.Subject, v.Predicate, v.Object}
	}
	return nil
}

// recordDeps returns the IDs referenced by a serialized record
func recordDeps(data []byte) ([]uint64, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty value record")
	}
	switch data[0] {
	case typeLiteral:
		dt, _, err := varint.Decode(data[1:])
		if err != nil {
			return nil, err
		}
		if dt == 0 {
			return nil, nil
		}
		return []uint64{dt}, nil
	case typeTriple:
		ids := make([]uint64, 3)
		if _, err := varint.DecodeAll(data[1:], ids); err != nil {
			return nil, err
		}
		return ids, nil
	}
	return nil, nil
}

// decodeRecord parses a record. resolve looks up nested IDs.
func decodeRecord(data []byte, resolve func(id uint64) (rdf.Term, error)) (rdf.Term, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty value record")
	}
	switch data[0] {
	case typeIRI:
		return rdf.NewNamedNode(string(data[1:])), nil
	case typeBNode:
		return rdf.NewBlankNode(string(data[1:])), nil
	case typeLiteral:
		dt, n, err := varint.Decode(data[1:])
		if err != nil {
			return nil, fmt.Errorf("literal datatype: %w", err)
		}
		off := 1 + n
		if off >= len(data) {
			return nil, fmt.Errorf("truncated literal record")
		}
		langLen := int(data[off])
		off++
		if off+langLen > len(data) {
			return nil, fmt.Errorf("truncated literal language")
		}
		lit := &rdf.Literal{Language: string(data[off : off+langLen]), Value: string(data[off+langLen:])}
		if dt != 0 {
			dtTerm, err := resolve(dt)
			if err != nil {
				return nil, fmt.Errorf("literal datatype %d: %w", dt, err)
			}
			iri, ok := dtTerm.(*rdf.NamedNode)
			if !ok {
				return nil, fmt.Errorf("literal datatype %d is not an IRI", dt)
			}
			lit.Datatype = iri
		}
		return lit, nil
	case typeTriple:
		var ids [3]uint64
		if _, err := varint.DecodeAll(data[1:], ids[:]); err != nil {
			return nil, fmt.Errorf("quoted triple record: %w", err)
		}
		var parts [3]rdf.Term
		for i, id := range ids {
			t, err := resolve(id)
			if err != nil {
				return nil, fmt.Errorf("quoted triple component %d: %w", id, err)
			}
			parts[i] = t
		}
		return &rdf.QuotedTriple{Subject: parts[0], Predicate: parts[1], Object: parts[2]}, nil
	}
	return nil, fmt.Errorf("unknown value record type 0x%02x", data[0])
}
