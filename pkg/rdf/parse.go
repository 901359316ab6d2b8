package rdf

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTerm parses a single term in N-Triples syntax. Quoted triples use
// the << s p o >> form.
func ParseTerm(input string) (Term, error) {
	p := &termParser{input: strings.TrimSpace(input)}
	p.length = len(p.input)
	if p.length == 0 {
		return nil, fmt.Errorf("empty term")
	}
	t, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	p.skipWhitespace()
	if p.pos != p.length {
		return nil, fmt.Errorf("unexpected trailing input at position %d: %q", p.pos, p.input[p.pos:])
	}
	return t, nil
}

type termParser struct {
	input  string
	pos    int
	length int
}

func (p *termParser) skipWhitespace() {
	for p.pos < p.length {
		switch p.input[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *termParser) parseTerm() (Term, error) {
	if p.pos >= p.length {
		return nil, fmt.Errorf("unexpected end of input")
	}
	switch p.input[p.pos] {
	case '<':
		if strings.HasPrefix(p.input[p.pos:], "<<") {
			return p.parseQuotedTriple()
		}
		iri, err := p.parseIRI()
		if err != nil {
			return nil, err
		}
		return NewNamedNode(iri), nil
	case '_':
		return p.parseBlankNode()
	case '"':
		return p.parseLiteral()
	}
	return nil, fmt.Errorf("unexpected character at position %d: %c", p.pos, p.input[p.pos])
}

func (p *termParser) parseIRI() (string, error) {
	if p.pos >= p.length || p.input[p.pos] != '<' {
		return "", fmt.Errorf("expected '<' at start of IRI")
	}
	p.pos++

	var result strings.Builder
	for p.pos < p.length && p.input[p.pos] != '>' {
		ch := p.input[p.pos]
		if ch == '\\' {
			escaped, err := p.parseUnicodeEscape()
			if err != nil {
				return "", err
			}
			result.WriteString(escaped)
			continue
		}
		if ch == ' ' || ch == '<' || ch == '"' || ch == '{' || ch == '}' ||
			ch == '|' || ch == '^' || ch == '`' || ch <= 0x1F {
			return "", fmt.Errorf("invalid character in IRI: %q at position %d", ch, p.pos)
		}
		result.WriteByte(ch)
		p.pos++
	}
	if p.pos >= p.length {
		return "", fmt.Errorf("unclosed IRI")
	}
	p.pos++

	iri := result.String()
	if !strings.Contains(iri, ":") {
		return "", fmt.Errorf("relative IRI not allowed: %s", iri)
	}
	return iri, nil
}

func (p *termParser) parseBlankNode() (Term, error) {
	if !strings.HasPrefix(p.input[p.pos:], "_:") {
		return nil, fmt.Errorf("expected '_:' at start of blank node")
	}
	p.pos += 2

	start := p.pos
	for p.pos < p.length {
		ch := p.input[p.pos]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '<' || ch == '>' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return nil, fmt.Errorf("empty blank node label")
	}
	return NewBlankNode(p.input[start:p.pos]), nil
}

func (p *termParser) parseLiteral() (Term, error) {
	p.pos++ // opening quote

	var value strings.Builder
	for p.pos < p.length && p.input[p.pos] != '"' {
		ch := p.input[p.pos]
		if ch != '\\' {
			value.WriteByte(ch)
			p.pos++
			continue
		}
		if p.pos+1 >= p.length {
			return nil, fmt.Errorf("unexpected end of input in escape sequence")
		}
		switch esc := p.input[p.pos+1]; esc {
		case 'n':
			value.WriteByte('\n')
		case 't':
			value.WriteByte('\t')
		case 'r':
			value.WriteByte('\r')
		case 'b':
			value.WriteByte('\b')
		case 'f':
			value.WriteByte('\f')
		case '"', '\\', '\'':
			value.WriteByte(esc)
		case 'u', 'U':
			escaped, err := p.parseUnicodeEscape()
			if err != nil {
				return nil, err
			}
			value.WriteString(escaped)
			continue
		default:
			return nil, fmt.Errorf("invalid escape sequence \\%c at position %d", esc, p.pos)
		}
		p.pos += 2
	}
	if p.pos >= p.length {
		return nil, fmt.Errorf("unclosed string literal")
	}
	p.pos++ // closing quote

	if p.pos < p.length && p.input[p.pos] == '@' {
		p.pos++
		start := p.pos
		for p.pos < p.length {
			ch := p.input[p.pos]
			if !(ch == '-' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')) {
				break
			}
			p.pos++
		}
		if p.pos == start {
			return nil, fmt.Errorf("empty language tag")
		}
		return NewLiteralWithLanguage(value.String(), strings.ToLower(p.input[start:p.pos])), nil
	}
	if strings.HasPrefix(p.input[p.pos:], "^^") {
		p.pos += 2
		dt, err := p.parseIRI()
		if err != nil {
			return nil, fmt.Errorf("error parsing datatype: %w", err)
		}
		return NewLiteralWithDatatype(value.String(), NewNamedNode(dt)), nil
	}
	return NewLiteral(value.String()), nil
}

func (p *termParser) parseQuotedTriple() (Term, error) {
	p.pos += 2 // <<
	var parts [3]Term
	for i := range parts {
		p.skipWhitespace()
		t, err := p.parseTerm()
		if err != nil {
			return nil, fmt.Errorf("error parsing quoted triple: %w", err)
		}
		parts[i] = t
	}
	p.skipWhitespace()
	if !strings.HasPrefix(p.input[p.pos:], ">>") {
		return nil, fmt.Errorf("expected '>>' at end of quoted triple")
	}
	p.pos += 2
	return NewQuotedTriple(parts[0], parts[1], parts[2])
}

// parseUnicodeEscape consumes \uXXXX or \UXXXXXXXX
func (p *termParser) parseUnicodeEscape() (string, error) {
	if p.pos+1 >= p.length {
		return "", fmt.Errorf("unexpected end of input in escape sequence")
	}
	var digits int
	switch p.input[p.pos+1] {
	case 'u':
		digits = 4
	case 'U':
		digits = 8
	default:
		return "", fmt.Errorf("invalid escape sequence at position %d", p.pos)
	}
	start := p.pos + 2
	if start+digits > p.length {
		return "", fmt.Errorf("incomplete Unicode escape sequence")
	}
	cp, err := strconv.ParseUint(p.input[start:start+digits], 16, 32)
	if err != nil {
		return "", fmt.Errorf("invalid hex digits in Unicode escape: %s", p.input[start:start+digits])
	}
	p.pos = start + digits
	return string(rune(cp)), nil
}
