// Package format extracts typed numbers from fixed-grammar device responses.
//
// A template interleaves literal anchors with placeholders: {f} for a float
// and {i} for an integer, e.g.
//
//	P:{f}hPa T:{f}°C RH:{f}% comp RH:{f}% dew point:{f}°C
//
// Parsing locates each literal in order and converts the text between two
// anchors to the placeholder's type. Literals match case-sensitively and
// whitespace around values is ignored.
package format

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrFormatMismatch  = errors.New("format mismatch")
	ErrInvalidTemplate = errors.New("invalid template")
)

type Kind int

const (
	Float Kind = iota
	Int
)

func (k Kind) String() string {
	switch k {
	case Float:
		return "float"
	case Int:
		return "int"
	default:
		return "unknown"
	}
}

// Template is a compiled format template. It holds no state between parses.
type Template struct {
	src string
	// literals[i] precedes placeholder i; the final literal trails the last one.
	literals []string
	kinds    []Kind
}

func Compile(template string) (*Template, error) {
	t := &Template{src: template}
	rest := template
	var lit strings.Builder
	for len(rest) > 0 {
		var kind Kind
		switch {
		case strings.HasPrefix(rest, "{f}"):
			kind = Float
		case strings.HasPrefix(rest, "{i}"):
			kind = Int
		default:
			lit.WriteByte(rest[0])
			rest = rest[1:]
			continue
		}
		if len(t.kinds) > 0 && lit.Len() == 0 {
			return nil, fmt.Errorf("%w: adjacent placeholders in %q", ErrInvalidTemplate, template)
		}
		t.literals = append(t.literals, lit.String())
		t.kinds = append(t.kinds, kind)
		lit.Reset()
		rest = rest[3:]
	}
	if len(t.kinds) == 0 {
		return nil, fmt.Errorf("%w: no placeholders in %q", ErrInvalidTemplate, template)
	}
	t.literals = append(t.literals, lit.String())
	return t, nil
}

// MustCompile is like Compile but panics on an invalid template.
func MustCompile(template string) *Template {
	t, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) String() string { return t.src }

// NumValues is the number of placeholders in the template.
func (t *Template) NumValues() int { return len(t.kinds) }

func (t *Template) Kinds() []Kind { return append([]Kind(nil), t.kinds...) }

// Parse extracts one value per placeholder from text. Integer placeholders
// are validated as integers and returned as float64.
func (t *Template) Parse(text string) ([]float64, error) {
	values := make([]float64, 0, len(t.kinds))
	pos := 0
	for i, kind := range t.kinds {
		start, err := t.anchor(text, pos, t.literals[i])
		if err != nil {
			return nil, err
		}

		end := len(text)
		next := t.literals[i+1]
		if next != "" {
			idx := strings.Index(text[start:], next)
			if idx < 0 {
				return nil, fmt.Errorf("%w: literal %q not found in %q", ErrFormatMismatch, next, text)
			}
			end = start + idx
		}

		raw := strings.TrimSpace(text[start:end])
		v, err := convert(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: placeholder %d (%s): %v", ErrFormatMismatch, i, kind, err)
		}
		values = append(values, v)
		pos = end
	}

	if len(values) != len(t.kinds) {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrFormatMismatch, len(values), len(t.kinds))
	}
	return values, nil
}

// anchor finds lit at or after pos and returns the offset right after it.
func (t *Template) anchor(text string, pos int, lit string) (int, error) {
	if lit == "" {
		return pos, nil
	}
	idx := strings.Index(text[pos:], lit)
	if idx < 0 {
		return 0, fmt.Errorf("%w: literal %q not found in %q", ErrFormatMismatch, lit, text)
	}
	return pos + idx + len(lit), nil
}

func convert(kind Kind, raw string) (float64, error) {
	if raw == "" {
		return 0, errors.New("empty value")
	}
	switch kind {
	case Int:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, err
		}
		return float64(n), nil
	default:
		return strconv.ParseFloat(raw, 64)
	}
}

// Parse compiles template and parses text with it.
func Parse(template, text string) ([]float64, error) {
	t, err := Compile(template)
	if err != nil {
		return nil, err
	}
	return t.Parse(text)
}
