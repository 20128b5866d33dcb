package common

import (
	"sync/atomic"

	"golang.org/x/exp/constraints"
)

// AtomicFlags is a lock-free bitset over an unsigned flag type.
// The zero value has no bits set.
type AtomicFlags[T constraints.Unsigned] struct {
	bits atomic.Uint64
}

// Load returns the current flags.
func (f *AtomicFlags[T]) Load() T {
	return T(f.bits.Load())
}

// Store replaces the flags.
func (f *AtomicFlags[T]) Store(v T) {
	f.bits.Store(uint64(v))
}

// Set ORs mask into the flags and returns the previous value.
func (f *AtomicFlags[T]) Set(mask T) T {
	old, _ := f.Update(func(v T) T { return v | mask })
	return old
}

// Clear removes mask from the flags and returns the previous value.
func (f *AtomicFlags[T]) Clear(mask T) T {
	old, _ := f.Update(func(v T) T { return v &^ mask })
	return old
}

// IsSet reports whether every bit of mask is set.
func (f *AtomicFlags[T]) IsSet(mask T) bool {
	return f.Load()&mask == mask
}

// IsAnySet reports whether at least one bit of mask is set.
func (f *AtomicFlags[T]) IsAnySet(mask T) bool {
	return f.Load()&mask != 0
}

// CompareAndSwap swaps the flags from old to new if they currently equal old.
func (f *AtomicFlags[T]) CompareAndSwap(old, new T) bool {
	return f.bits.CompareAndSwap(uint64(old), uint64(new))
}

// Update applies fn in a compare-and-swap loop until it lands.
//
// Parameters:
//   - fn: computes the new flags from the observed flags; may be called more than once
//
// Returns:
//   - T: the flags observed before the successful swap
//   - T: the flags stored by the successful swap
func (f *AtomicFlags[T]) Update(fn func(T) T) (T, T) {
	for {
		old := f.bits.Load()
		next := uint64(fn(T(old)))
		if f.bits.CompareAndSwap(old, next) {
			return T(old), T(next)
		}
	}
}
