// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sparse implements a fixed-length integer array where most
// elements share a default value.
package sparse // import "github.com/go-lpc/tsc/internal/sparse"

import (
	"fmt"
	"sort"
)

// Array is a fixed-length array of counts, stored as a sorted list of
// (index, value) pairs on top of a default value.
// Negative indices count from the end of the array.
type Array struct {
	n   int
	def int64
	idx []int
	val []int64
}

// New returns an array of length n, filled with def.
func New(n int, def int64) *Array {
	if n < 0 {
		panic(fmt.Errorf("sparse: negative array length %d", n))
	}
	return &Array{n: n, def: def}
}

// FromDense returns a sparse array holding the values of vs, with def as
// the default value.
func FromDense(vs []int64, def int64) *Array {
	arr := New(len(vs), def)
	for i, v := range vs {
		if v == def {
			continue
		}
		arr.idx = append(arr.idx, i)
		arr.val = append(arr.val, v)
	}
	return arr
}

// Len returns the length of the array.
func (arr *Array) Len() int { return arr.n }

// Default returns the value of all elements that were not explicitly set.
func (arr *Array) Default() int64 { return arr.def }

func (arr *Array) index(i int) int {
	j := i
	if j < 0 {
		j += arr.n
	}
	if j < 0 || j >= arr.n {
		panic(fmt.Errorf("sparse: index out of range [%d] with length %d", i, arr.n))
	}
	return j
}

func (arr *Array) search(i int) int {
	return sort.SearchInts(arr.idx, i)
}

// At returns the i-th element.
func (arr *Array) At(i int) int64 {
	i = arr.index(i)
	j := arr.search(i)
	if j < len(arr.idx) && arr.idx[j] == i {
		return arr.val[j]
	}
	return arr.def
}

// Set sets the i-th element to v.
func (arr *Array) Set(i int, v int64) {
	i = arr.index(i)
	j := arr.search(i)
	found := j < len(arr.idx) && arr.idx[j] == i
	switch {
	case found && v == arr.def:
		arr.idx = append(arr.idx[:j], arr.idx[j+1:]...)
		arr.val = append(arr.val[:j], arr.val[j+1:]...)
	case found:
		arr.val[j] = v
	case v == arr.def:
		// nothing to do.
	default:
		arr.idx = append(arr.idx, 0)
		arr.val = append(arr.val, 0)
		copy(arr.idx[j+1:], arr.idx[j:])
		copy(arr.val[j+1:], arr.val[j:])
		arr.idx[j] = i
		arr.val[j] = v
	}
}

// SetRange sets the elements [beg, end) to v.
// Indices are clipped to the array bounds, like Go slicing would not.
func (arr *Array) SetRange(beg, end int, v int64) {
	if beg < 0 {
		beg = 0
	}
	if end > arr.n {
		end = arr.n
	}
	for i := beg; i < end; i++ {
		arr.Set(i, v)
	}
}

// Add adds v to the i-th element.
func (arr *Array) Add(i int, v int64) {
	arr.Set(i, arr.At(i)+v)
}

// Dense returns the fully materialized content of the array.
func (arr *Array) Dense() []int64 {
	out := make([]int64, arr.n)
	if arr.def != 0 {
		for i := range out {
			out[i] = arr.def
		}
	}
	for j, i := range arr.idx {
		out[i] = arr.val[j]
	}
	return out
}

// Entries returns the indices and values of the elements that differ
// from the default value, in increasing index order.
// The returned slices must not be modified.
func (arr *Array) Entries() ([]int, []int64) {
	return arr.idx, arr.val
}

// NonZero returns the indices of all non-zero elements.
func (arr *Array) NonZero() []int {
	if arr.def != 0 {
		var out []int
		for i, v := range arr.Dense() {
			if v != 0 {
				out = append(out, i)
			}
		}
		return out
	}
	out := make([]int, 0, len(arr.idx))
	for j, i := range arr.idx {
		if arr.val[j] != 0 {
			out = append(out, i)
		}
	}
	return out
}

// Equal reports whether a and b have the same length and content.
func Equal(a, b *Array) bool {
	if a.n != b.n {
		return false
	}
	if a.def == b.def {
		if len(a.idx) != len(b.idx) {
			return false
		}
		for j := range a.idx {
			if a.idx[j] != b.idx[j] || a.val[j] != b.val[j] {
				return false
			}
		}
		return true
	}
	da := a.Dense()
	db := b.Dense()
	for i := range da {
		if da[i] != db[i] {
			return false
		}
	}
	return true
}

func (arr *Array) String() string {
	return fmt.Sprintf("sparse.Array{n=%d, def=%d, idx=%v, val=%v}", arr.n, arr.def, arr.idx, arr.val)
}
