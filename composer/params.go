// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package composer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/go-lpc/tsc/internal/pyfmt"
)

// Args holds named sequence parameters.
// Values are Go scalars (int, float64, bool, nil), Python literals given
// as strings, or slices of those for list parameters.
type Args map[string]interface{}

// OptInt is an integer that may be unset (None).
type OptInt struct {
	Value int
	Valid bool
}

func (v OptInt) String() string {
	if !v.Valid {
		return pyfmt.None
	}
	return pyfmt.Int(v.Value)
}

// param describes a sequence parameter.
type param struct {
	name string
	def  string // built-in default, as a Python literal
	repr func(s *Sequence) string
	get  func(s *Sequence) pyfmt.Literal
	set  func(s *Sequence, v pyfmt.Literal) error
}

var params = []param{
	intParam("mode_number", "0", math.MinInt32, func(s *Sequence) *int { return &s.ModeNumber }),
	intParam("period", "276", 1, func(s *Sequence) *int { return &s.Period }),
	intParam("N", "1", 0, func(s *Sequence) *int { return &s.N }),
	intParam("dt", "4", math.MinInt32, func(s *Sequence) *int { return &s.Dt }),
	intParam("t0", "100", math.MinInt32, func(s *Sequence) *int { return &s.T0 }),
	intParam("transd", "0", math.MinInt32, func(s *Sequence) *int { return &s.Transd }),
	boolParam("z", "False", func(s *Sequence) *bool { return &s.Z }),
	floatParam("delay", "0.0", func(s *Sequence) *float64 { return &s.Delay }),
	boolParam("laser_on", "True", func(s *Sequence) *bool { return &s.LaserOn }),
	boolParam("ms_on", "True", func(s *Sequence) *bool { return &s.MsOn }),
	boolParam("pump_on", "True", func(s *Sequence) *bool { return &s.PumpOn }),
	boolParam("xdet_on", "True", func(s *Sequence) *bool { return &s.XdetOn }),
	boolParam("trans_on", "False", func(s *Sequence) *bool { return &s.TransOn }),
	boolParam("image_number_inc", "False", func(s *Sequence) *bool { return &s.ImageNumberInc }),
	intParam("pass_number_inc", "0", math.MinInt32, func(s *Sequence) *int { return &s.PassNumberInc }),
	optIntParam("pass_number", "None", func(s *Sequence) *OptInt { return &s.PassNumber }),
	boolParam("acquiring", "False", func(s *Sequence) *bool { return &s.Acquiring }),
}

func lookupParam(name string) (param, bool) {
	for _, p := range params {
		if p.name == name {
			return p, true
		}
	}
	return param{}, false
}

// ParamNames returns the names of the sequence parameters, in the order
// they appear in descriptions.
func ParamNames() []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.name
	}
	return names
}

func toInt(v pyfmt.Literal) (int, error) {
	f, err := v.Float()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("expected an integer, got %v", f)
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("integer %v out of range", f)
	}
	return int(f), nil
}

func intParam(name, def string, min int, field func(s *Sequence) *int) param {
	return param{
		name: name,
		def:  def,
		repr: func(s *Sequence) string { return pyfmt.Int(*field(s)) },
		get: func(s *Sequence) pyfmt.Literal {
			return pyfmt.Literal{Kind: pyfmt.Number, Num: float64(*field(s))}
		},
		set: func(s *Sequence, v pyfmt.Literal) error {
			i, err := toInt(v)
			if err != nil {
				return err
			}
			if i < min {
				return fmt.Errorf("value %d below minimum %d", i, min)
			}
			*field(s) = i
			return nil
		},
	}
}

func floatParam(name, def string, field func(s *Sequence) *float64) param {
	return param{
		name: name,
		def:  def,
		repr: func(s *Sequence) string { return pyfmt.Float(*field(s)) },
		get: func(s *Sequence) pyfmt.Literal {
			return pyfmt.Literal{Kind: pyfmt.Number, Num: *field(s)}
		},
		set: func(s *Sequence, v pyfmt.Literal) error {
			f, err := v.Float()
			if err != nil {
				return err
			}
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("expected a finite number, got %v", f)
			}
			*field(s) = f
			return nil
		},
	}
}

func boolParam(name, def string, field func(s *Sequence) *bool) param {
	return param{
		name: name,
		def:  def,
		repr: func(s *Sequence) string { return pyfmt.Bool(*field(s)) },
		get: func(s *Sequence) pyfmt.Literal {
			return pyfmt.Literal{Kind: pyfmt.Boolean, Bool: *field(s)}
		},
		set: func(s *Sequence, v pyfmt.Literal) error {
			f, err := v.Float()
			if err != nil {
				return err
			}
			if math.IsNaN(f) {
				return fmt.Errorf("expected a boolean, got None")
			}
			*field(s) = f != 0
			return nil
		},
	}
}

func optIntParam(name, def string, field func(s *Sequence) *OptInt) param {
	return param{
		name: name,
		def:  def,
		repr: func(s *Sequence) string { return field(s).String() },
		get: func(s *Sequence) pyfmt.Literal {
			v := field(s)
			if !v.Valid {
				return pyfmt.Literal{Kind: pyfmt.NoneKind, Num: math.NaN()}
			}
			return pyfmt.Literal{Kind: pyfmt.Number, Num: float64(v.Value)}
		},
		set: func(s *Sequence, v pyfmt.Literal) error {
			if v.Kind == pyfmt.NoneKind {
				*field(s) = OptInt{}
				return nil
			}
			i, err := toInt(v)
			if err != nil {
				return err
			}
			*field(s) = OptInt{Value: i, Valid: true}
			return nil
		},
	}
}

// literal converts a Go value into a Python literal.
func literal(v interface{}) (pyfmt.Literal, error) {
	switch v := v.(type) {
	case nil:
		return pyfmt.Literal{Kind: pyfmt.NoneKind, Num: math.NaN()}, nil
	case pyfmt.Literal:
		return v, nil
	case bool:
		return pyfmt.Literal{Kind: pyfmt.Boolean, Bool: v}, nil
	case int:
		return pyfmt.Literal{Kind: pyfmt.Number, Num: float64(v)}, nil
	case int64:
		return pyfmt.Literal{Kind: pyfmt.Number, Num: float64(v)}, nil
	case float64:
		return pyfmt.Literal{Kind: pyfmt.Number, Num: v}, nil
	case string:
		return pyfmt.Parse(v)
	case []int:
		lit := pyfmt.Literal{Kind: pyfmt.List}
		for _, e := range v {
			lit.Elems = append(lit.Elems, pyfmt.Literal{Kind: pyfmt.Number, Num: float64(e)})
		}
		return lit, nil
	case []float64:
		lit := pyfmt.Literal{Kind: pyfmt.List}
		for _, e := range v {
			lit.Elems = append(lit.Elems, pyfmt.Literal{Kind: pyfmt.Number, Num: e})
		}
		return lit, nil
	case []bool:
		lit := pyfmt.Literal{Kind: pyfmt.List}
		for _, e := range v {
			lit.Elems = append(lit.Elems, pyfmt.Literal{Kind: pyfmt.Boolean, Bool: e})
		}
		return lit, nil
	case []interface{}:
		lit := pyfmt.Literal{Kind: pyfmt.List}
		for _, e := range v {
			elem, err := literal(e)
			if err != nil {
				return pyfmt.Literal{}, err
			}
			lit.Elems = append(lit.Elems, elem)
		}
		return lit, nil
	}
	return pyfmt.Literal{}, fmt.Errorf("unsupported value type %T", v)
}

// ParseArgs parses a comma-separated list of key=value Python literals,
// such as "delay=[1e-6, 1e-5], laser_on=True".
// Malformed items are reported in errs and skipped.
func ParseArgs(s string) (Args, []error) {
	pairs, errs := pyfmt.ParsePairs(s)
	args := make(Args, len(pairs))
	for _, p := range pairs {
		args[p.Key] = p.Value
	}
	return args, errs
}

// String formats args as a sorted comma-separated list of key=value pairs.
func (args Args) String() string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]string, 0, len(keys))
	for _, k := range keys {
		lit, err := literal(args[k])
		if err != nil {
			items = append(items, fmt.Sprintf("%s=<%v>", k, err))
			continue
		}
		items = append(items, k+"="+repr(lit))
	}
	return strings.Join(items, ", ")
}

func repr(lit pyfmt.Literal) string {
	switch lit.Kind {
	case pyfmt.Number:
		if lit.Num == math.Trunc(lit.Num) && math.Abs(lit.Num) < 1<<53 {
			return pyfmt.Int(int(lit.Num))
		}
		return pyfmt.Float(lit.Num)
	case pyfmt.Boolean:
		return pyfmt.Bool(lit.Bool)
	case pyfmt.NoneKind:
		return pyfmt.None
	case pyfmt.String:
		return pyfmt.Str(lit.Str)
	case pyfmt.List:
		elems := make([]string, len(lit.Elems))
		for i, e := range lit.Elems {
			elems[i] = repr(e)
		}
		return "[" + strings.Join(elems, ", ") + "]"
	}
	return "?"
}
