package xen

import (
	"testing"
	"unsafe"
)

func TestIoctlEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		actual   uintptr
		expected uintptr
	}{
		{
			name:     "privcmd hypercall",
			actual:   IIOC(privcmdType, privcmdCallNr, unsafe.Sizeof(privcmdHypercall{})),
			expected: 0x305000,
		},
		{
			name:     "evtchn bind interdomain",
			actual:   IIOC(evtchnType, evtchnBindInterdomainNr, 8),
			expected: 0x84501,
		},
		{
			name:     "evtchn notify",
			actual:   IIOC(evtchnType, evtchnNotifyNr, 4),
			expected: 0x44504,
		},
		{
			name:     "read direction",
			actual:   IIOR('k', 3, 8),
			expected: 0x80086b03,
		},
		{
			name:     "write direction",
			actual:   IIOW('k', 3, 8),
			expected: 0x40086b03,
		},
		{
			name:     "read-write direction",
			actual:   IIOWR('k', 3, 8),
			expected: 0xc0086b03,
		},
		{
			name:     "no argument",
			actual:   IIO('k', 9),
			expected: 0x6b09,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.actual != tt.expected {
				t.Fatalf("expected: %#x, actual: %#x", tt.expected, tt.actual)
			}
		})
	}
}
