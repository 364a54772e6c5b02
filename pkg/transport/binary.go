package transport

import "encoding/binary"

// readUint16 reads an unsigned 16-bit integer at offset off, network byte
// order (most significant byte first). The caller must pass a buffer of
// adequate length; this function does no bounds-checking of its own.
func readUint16(b []byte, off int) uint16 {
	return binary.BigEndian.Uint16(b[off : off+2])
}

// writeUint16 writes v at offset off, network byte order.
func writeUint16(b []byte, off int, v uint16) {
	binary.BigEndian.PutUint16(b[off:off+2], v)
}

// readInt32 reads a signed 32-bit integer at offset off, network byte order.
func readInt32(b []byte, off int) int32 {
	return int32(binary.BigEndian.Uint32(b[off : off+4])) //gosec:disable G115 -- reinterpreting bits, not converting a value.
}

// writeInt32 writes v at offset off, network byte order.
func writeInt32(b []byte, off int, v int32) {
	binary.BigEndian.PutUint32(b[off:off+4], uint32(v)) //gosec:disable G115 -- reinterpreting bits, not converting a value.
}
