package common

import (
	"sync"
	"testing"
)

func TestAtomicFlagsSetClear(t *testing.T) {
	var f AtomicFlags[uint8]

	if prev := f.Set(0b0101); prev != 0 {
		t.Fatalf("expected previous flags 0, got %b", prev)
	}
	if !f.IsSet(0b0101) || f.IsSet(0b0111) {
		t.Fatalf("unexpected flags %b", f.Load())
	}
	if !f.IsAnySet(0b0110) {
		t.Fatalf("expected bit 2 to be observed")
	}
	if prev := f.Clear(0b0001); prev != 0b0101 {
		t.Fatalf("expected previous flags 0101, got %b", prev)
	}
	if f.Load() != 0b0100 {
		t.Fatalf("expected 0100, got %b", f.Load())
	}
}

func TestAtomicFlagsConcurrentSet(t *testing.T) {
	var f AtomicFlags[uint32]
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(bit int) {
			defer wg.Done()
			f.Set(1 << bit)
		}(i)
	}
	wg.Wait()

	if f.Load() != ^uint32(0) {
		t.Fatalf("expected all bits set, got %b", f.Load())
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name      string
		v, lo, hi uint32
		want      uint32
	}{
		{"inside", 3, 2, 8, 3},
		{"below", 1, 2, 8, 2},
		{"above", 9, 2, 8, 8},
		{"inverted bounds", 5, 6, 4, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clamp(tt.v, tt.lo, tt.hi); got != tt.want {
				t.Errorf("Clamp(%d, %d, %d) = %d, want %d", tt.v, tt.lo, tt.hi, got, tt.want)
			}
		})
	}
}

func TestCoalesce(t *testing.T) {
	if got := Coalesce("", "", "stage"); got != "stage" {
		t.Errorf("expected stage, got %q", got)
	}
	if got := Coalesce(0, 0); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}
