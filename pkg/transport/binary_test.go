package transport

import "testing"

func TestReadWriteUint16(t *testing.T) {
	tests := []struct {
		name string
		off  int
		v    uint16
	}{
		{name: "zero", off: 0, v: 0},
		{name: "offset", off: 3, v: 0x1234},
		{name: "max", off: 0, v: 0xffff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := make([]byte, tt.off+2)
			writeUint16(b, tt.off, tt.v)
			if got := readUint16(b, tt.off); got != tt.v {
				t.Errorf("readUint16() = %#x, want %#x", got, tt.v)
			}
		})
	}
}

func TestReadWriteInt32(t *testing.T) {
	tests := []struct {
		name string
		off  int
		v    int32
	}{
		{name: "zero", off: 0, v: 0},
		{name: "offset", off: 4, v: 1_048_576},
		{name: "negative", off: 0, v: -1},
		{name: "max", off: 0, v: 0x7fffffff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := make([]byte, tt.off+4)
			writeInt32(b, tt.off, tt.v)
			if got := readInt32(b, tt.off); got != tt.v {
				t.Errorf("readInt32() = %d, want %d", got, tt.v)
			}
		})
	}
}

func TestUint16BigEndianByteOrder(t *testing.T) {
	b := make([]byte, 2)
	writeUint16(b, 0, 0x0102)
	if b[0] != 0x01 || b[1] != 0x02 {
		t.Errorf("writeUint16() bytes = %v, want [1 2]", b)
	}
}
