// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

// ring is a power-of-two sized circular array indexed by 16-bit sequence
// number. It grows on demand, re-homing existing elements so that every
// element within the live window keeps its index.
type ring[T any] struct {
	mask     int
	elements []T
}

func newRing[T any](size int) ring[T] {
	n := 16
	for n < size {
		n *= 2
	}
	return ring[T]{mask: n - 1, elements: make([]T, n)}
}

func (r *ring[T]) get(seq uint16) T {
	return r.elements[int(seq)&r.mask]
}

func (r *ring[T]) put(seq uint16, elem T) {
	r.elements[int(seq)&r.mask] = elem
}

func (r *ring[T]) clear(seq uint16) {
	var zero T
	r.elements[int(seq)&r.mask] = zero
}

func (r *ring[T]) size() int {
	return r.mask + 1
}

// ensureSize makes room for span consecutive sequence numbers ending just
// before end. Elements in that window are preserved.
func (r *ring[T]) ensureSize(end uint16, span int) {
	if span < r.size() {
		return
	}
	newSize := r.size()
	for newSize <= span {
		newSize *= 2
	}
	newMask := newSize - 1
	grown := make([]T, newSize)
	// walk backwards over the live window, oldest elements last
	for i := 0; i < r.size(); i++ {
		seq := int(end) - i - 1
		grown[seq&newMask] = r.elements[seq&r.mask]
	}
	r.mask = newMask
	r.elements = grown
}
