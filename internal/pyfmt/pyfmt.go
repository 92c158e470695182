// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pyfmt formats and parses values using the literal syntax of
// the Python-based beamline tools (repr of numbers, booleans and strings,
// "key=value" parameter lists).
package pyfmt // import "github.com/go-lpc/tsc/internal/pyfmt"

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Float formats v like Python's repr(float).
func Float(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, +1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	abs := math.Abs(v)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Int formats v like Python's repr(int).
func Int(v int) string { return strconv.Itoa(v) }

// Bool formats v like Python's repr(bool).
func Bool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// None is the representation of a missing value.
const None = "None"

// Str formats v like Python's repr(str).
func Str(v string) string {
	quote := byte('\'')
	if strings.Contains(v, "'") && !strings.Contains(v, `"`) {
		quote = '"'
	}
	var o strings.Builder
	o.WriteByte(quote)
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c == '\\':
			o.WriteString(`\\`)
		case c == quote:
			o.WriteByte('\\')
			o.WriteByte(c)
		case c == '\n':
			o.WriteString(`\n`)
		case c == '\t':
			o.WriteString(`\t`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&o, `\x%02x`, c)
		default:
			o.WriteByte(c)
		}
	}
	o.WriteByte(quote)
	return o.String()
}

// Kind is the kind of a parsed literal.
type Kind uint8

const (
	Number Kind = iota
	Boolean
	NoneKind
	String
	List
)

func (k Kind) String() string {
	switch k {
	case Number:
		return "number"
	case Boolean:
		return "bool"
	case NoneKind:
		return "None"
	case String:
		return "str"
	case List:
		return "list"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Literal is a parsed literal value.
type Literal struct {
	Kind  Kind
	Num   float64
	Bool  bool
	Str   string
	Elems []Literal
}

// Float returns the numerical value of a scalar literal.
// Booleans convert to 0 or 1, None converts to NaN.
func (lit Literal) Float() (float64, error) {
	switch lit.Kind {
	case Number:
		return lit.Num, nil
	case Boolean:
		if lit.Bool {
			return 1, nil
		}
		return 0, nil
	case NoneKind:
		return math.NaN(), nil
	}
	return 0, fmt.Errorf("pyfmt: %v literal has no numerical value", lit.Kind)
}

// Pair is a key=value item of a parameter list.
type Pair struct {
	Key   string
	Value Literal
}

// Parse parses a single literal: a number, True, False, None,
// a quoted string or a bracketed list of literals.
func Parse(s string) (Literal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Literal{}, fmt.Errorf("pyfmt: empty literal")
	}

	switch s {
	case "True":
		return Literal{Kind: Boolean, Bool: true}, nil
	case "False":
		return Literal{Kind: Boolean, Bool: false}, nil
	case "None":
		return Literal{Kind: NoneKind, Num: math.NaN()}, nil
	}

	switch s[0] {
	case '\'', '"':
		v, err := unquote(s)
		if err != nil {
			return Literal{}, err
		}
		return Literal{Kind: String, Str: v}, nil
	case '[', '(':
		closing := map[byte]byte{'[': ']', '(': ')'}[s[0]]
		if s[len(s)-1] != closing {
			return Literal{}, fmt.Errorf("pyfmt: unbalanced list literal %q", s)
		}
		body := strings.TrimSpace(s[1 : len(s)-1])
		lit := Literal{Kind: List}
		if body == "" {
			return lit, nil
		}
		items, err := split(body, ',')
		if err != nil {
			return Literal{}, err
		}
		for _, item := range items {
			if strings.TrimSpace(item) == "" {
				// trailing comma, as in "(1,)".
				continue
			}
			elem, err := Parse(item)
			if err != nil {
				return Literal{}, fmt.Errorf("pyfmt: invalid list element: %w", err)
			}
			lit.Elems = append(lit.Elems, elem)
		}
		return lit, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Literal{}, fmt.Errorf("pyfmt: invalid literal %q", s)
	}
	return Literal{Kind: Number, Num: v}, nil
}

// ParsePairs parses a comma-separated list of key=value pairs.
// Malformed items are reported in errs and skipped; the well-formed ones
// are returned in order.
func ParsePairs(s string) (pairs []Pair, errs []error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	items, err := split(s, ',')
	if err != nil {
		return nil, []error{err}
	}
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		i := strings.Index(item, "=")
		if i <= 0 {
			errs = append(errs, fmt.Errorf("pyfmt: invalid key=value pair %q", item))
			continue
		}
		key := strings.TrimSpace(item[:i])
		lit, err := Parse(item[i+1:])
		if err != nil {
			errs = append(errs, fmt.Errorf("pyfmt: invalid value for %q: %w", key, err))
			continue
		}
		pairs = append(pairs, Pair{Key: key, Value: lit})
	}
	return pairs, errs
}

// split splits s on sep, ignoring separators nested in brackets or quotes.
func split(s string, sep byte) ([]string, error) {
	var (
		out   []string
		depth = 0
		quote byte
		beg   = 0
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '[' || c == '(':
			depth++
		case c == ']' || c == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("pyfmt: unbalanced brackets in %q", s)
			}
		case c == sep && depth == 0:
			out = append(out, s[beg:i])
			beg = i + 1
		}
	}
	if depth != 0 || quote != 0 {
		return nil, fmt.Errorf("pyfmt: unbalanced brackets or quotes in %q", s)
	}
	out = append(out, s[beg:])
	return out, nil
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[len(s)-1] != s[0] {
		return "", fmt.Errorf("pyfmt: unterminated string %q", s)
	}
	body := s[1 : len(s)-1]
	var o strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 == len(body) {
			o.WriteByte(c)
			continue
		}
		i++
		switch body[i] {
		case 'n':
			o.WriteByte('\n')
		case 't':
			o.WriteByte('\t')
		case 'x':
			if i+2 >= len(body) {
				return "", fmt.Errorf("pyfmt: invalid escape in %q", s)
			}
			v, err := strconv.ParseUint(body[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("pyfmt: invalid escape in %q: %w", s, err)
			}
			o.WriteByte(byte(v))
			i += 2
		default:
			o.WriteByte(body[i])
		}
	}
	return o.String(), nil
}
