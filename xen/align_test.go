package xen

import "testing"

func TestAlign(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		addr, align  uint64
		expectedDown uint64
		expectedUp   uint64
	}{
		{"already aligned", 0x2000, PageSize, 0x2000, 0x2000},
		{"mid page", 0x2fff, PageSize, 0x2000, 0x3000},
		{"first byte", 0x2001, PageSize, 0x2000, 0x3000},
		{"zero", 0, PageSize, 0, 0},
		{"word", 0x13, 8, 0x10, 0x18},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := AlignDown(tt.addr, tt.align); got != tt.expectedDown {
				t.Fatalf("expected: %#x, actual: %#x", tt.expectedDown, got)
			}

			if got := AlignUp(tt.addr, tt.align); got != tt.expectedUp {
				t.Fatalf("expected: %#x, actual: %#x", tt.expectedUp, got)
			}
		})
	}
}
