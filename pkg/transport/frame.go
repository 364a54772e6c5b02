package transport

import (
	"errors"
	"fmt"
)

// Opcode identifies the purpose of a control frame, as defined by the
// wire protocol in spec §4.B. 0x01..0x0F double as the descriptor count
// N of a send-data frame.
type Opcode uint8

const (
	OpcodeCapabilities   Opcode = 0x00
	OpcodePing           Opcode = 0x10
	OpcodePong           Opcode = 0x11
	OpcodeCancelMessages Opcode = 0x12

	// minSendData and maxSendData bound the opcode range that doubles as
	// a descriptor count: opcode 0x01..0x0F means "N=opcode data frames follow".
	minSendData Opcode = 0x01
	maxSendData Opcode = 0x0F
)

func (o Opcode) isSendData() bool {
	return o >= minSendData && o <= maxSendData
}

// String returns the opcode's name, or its number if it's a send-data
// descriptor count or otherwise unrecognized (reserved, ignored on read).
func (o Opcode) String() string {
	switch o {
	case OpcodeCapabilities:
		return "capabilities"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	case OpcodeCancelMessages:
		return "cancel-messages"
	default:
		if o.isSendData() {
			return fmt.Sprintf("send-data(%d)", uint8(o))
		}
		return fmt.Sprintf("reserved(%#02x)", uint8(o))
	}
}

// Wire layout constants from spec §4.B and §6.
const (
	controlPrefixLen = 8 // opcode, reserved, rtt(2), throughput(4)

	maxDescriptorsPerFrame = 15
	maxHeaderLength        = 64 // Message/API-level bound; see headerLengthBits below.

	descriptorFixedLen = 8 // two i32 words, before the header bytes

	// maxControlFrameSize = 8 + 15*(8+64), the largest a single control
	// frame can legally be.
	maxControlFrameSize = controlPrefixLen + maxDescriptorsPerFrame*(descriptorFixedLen+maxHeaderLength)

	offsetBits  = 26
	offsetMask  = 1<<offsetBits - 1 // 2^26-1, also the max totalMessageLength
	msgNumBits  = 4
	msgNumShift = 32 - msgNumBits

	bitIsFirst = 1 << 27
	bitIsLast  = 1 << 26

	// headerLengthBits is the number of bits spec §4.B actually allocates
	// to headerLength in descriptor word 1 (upper 6 bits of a 32-bit word
	// whose low 26 bits are totalMessageLength). 6 bits can only encode
	// 0..63, even though the data model and §6 describe the header bound
	// loosely as "0-64 bytes". We treat the bit-exact layout in §4.B as
	// authoritative: a header of exactly 64 bytes cannot round-trip
	// through this field and is rejected by EncodeControlFrame.
	headerLengthBits  = 6
	maxWireHeaderLen   = 1<<headerLengthBits - 1 // 63
	headerLengthShift = 32 - headerLengthBits
)

var (
	errFrameTooShort     = errors.New("transport: control frame shorter than its declared contents")
	errDescriptorCount   = errors.New("transport: data frame count must be 1..15")
	errHeaderTooLong     = errors.New("transport: header exceeds the 6-bit wire field (max 63 bytes)")
	errOffsetOutOfRange  = errors.New("transport: offset or length exceeds 26 bits (64 MiB)")
	errMessageNumberOOR  = errors.New("transport: message number exceeds 4 bits (0..15)")
)

// DataFrameDescriptor is the per-data-frame control conveyed inline in a
// send-data control frame (spec §3, §4.B). It is transient: it lives only
// within one control-frame encode/decode and the data frame it announces.
type DataFrameDescriptor struct {
	MessageNumber      uint8
	Offset             uint32
	TotalMessageLength uint32
	IsFirst            bool
	IsLast             bool
	Header             []byte
}

func (d DataFrameDescriptor) encodedLen() int {
	return descriptorFixedLen + len(d.Header)
}

func (d DataFrameDescriptor) validate() error {
	if d.MessageNumber > 0x0F {
		return errMessageNumberOOR
	}
	if d.Offset > offsetMask || d.TotalMessageLength > offsetMask {
		return errOffsetOutOfRange
	}
	if len(d.Header) > maxWireHeaderLen {
		return errHeaderTooLong
	}
	return nil
}

func (d DataFrameDescriptor) encode(b []byte) int {
	word0 := int32(uint32(d.MessageNumber)<<msgNumShift) | int32(d.Offset&offsetMask) //gosec:disable G115 -- bit-packing, not a value conversion.
	if d.IsFirst {
		word0 |= bitIsFirst
	}
	if d.IsLast {
		word0 |= bitIsLast
	}
	writeInt32(b, 0, word0)

	word1 := int32(uint32(len(d.Header))<<headerLengthShift) | int32(d.TotalMessageLength&offsetMask) //gosec:disable G115 -- bit-packing, not a value conversion.
	writeInt32(b, 4, word1)

	n := descriptorFixedLen
	n += copy(b[n:], d.Header)
	return n
}

func decodeDescriptor(b []byte) (DataFrameDescriptor, int, error) {
	if len(b) < descriptorFixedLen {
		return DataFrameDescriptor{}, 0, errFrameTooShort
	}

	word0 := readInt32(b, 0)
	word1 := readInt32(b, 4)

	d := DataFrameDescriptor{
		MessageNumber:      uint8(uint32(word0) >> msgNumShift), //gosec:disable G115 -- bit-unpacking, not a value conversion.
		Offset:             uint32(word0) & offsetMask,
		IsFirst:            word0&bitIsFirst != 0,
		IsLast:             word0&bitIsLast != 0,
		TotalMessageLength: uint32(word1) & offsetMask,
	}

	headerLen := int(uint32(word1) >> headerLengthShift) //gosec:disable G115 -- bit-unpacking, not a value conversion.
	n := descriptorFixedLen + headerLen
	if len(b) < n {
		return DataFrameDescriptor{}, 0, errFrameTooShort
	}
	if headerLen > 0 {
		d.Header = append([]byte(nil), b[descriptorFixedLen:n]...)
	}

	return d, n, nil
}

// ControlFrame is the decoded form of any control frame on the wire
// (spec §4.B). Exactly one of Capabilities / Descriptors / CancelMask is
// meaningful, depending on Opcode; Ping and Pong carry neither.
type ControlFrame struct {
	Opcode     Opcode
	RTT        uint16
	Throughput int32

	Capabilities CapabilitySet
	Descriptors  []DataFrameDescriptor
	CancelMask   uint16
}

// EncodeControlFrame serializes cf per spec §4.B. The returned slice is
// freshly allocated and sized exactly to the frame.
func EncodeControlFrame(cf ControlFrame) ([]byte, error) {
	size := controlPrefixLen
	switch {
	case cf.Opcode == OpcodeCapabilities:
		size += 8
	case cf.Opcode.isSendData():
		n := int(cf.Opcode)
		if len(cf.Descriptors) != n {
			return nil, fmt.Errorf("%w: opcode says %d, got %d descriptors", errDescriptorCount, n, len(cf.Descriptors))
		}
		for _, d := range cf.Descriptors {
			if err := d.validate(); err != nil {
				return nil, err
			}
			size += d.encodedLen()
		}
	case cf.Opcode == OpcodeCancelMessages:
		size += 2
	case cf.Opcode == OpcodePing, cf.Opcode == OpcodePong:
		// No payload.
	default:
		// Reserved opcodes have no defined payload; encode just the prefix.
	}

	b := make([]byte, size)
	b[0] = byte(cf.Opcode)
	b[1] = 0
	writeUint16(b, 2, cf.RTT)
	writeInt32(b, 4, cf.Throughput)

	off := controlPrefixLen
	switch {
	case cf.Opcode == OpcodeCapabilities:
		writeUint16(b, off, cf.Capabilities.MajorVersion)
		writeUint16(b, off+2, cf.Capabilities.MinorVersion)
		writeInt32(b, off+4, cf.Capabilities.CapabilityBits)
	case cf.Opcode.isSendData():
		for _, d := range cf.Descriptors {
			off += d.encode(b[off:])
		}
	case cf.Opcode == OpcodeCancelMessages:
		writeUint16(b, off, cf.CancelMask)
	}

	return b, nil
}

// DecodeControlFrame parses a control frame per spec §4.B. Reserved
// opcodes are not an error: they decode with empty/zero payload fields so
// the caller can ignore them, per spec's "Other opcodes: reserved; ignore
// (do not fail)".
func DecodeControlFrame(b []byte) (ControlFrame, error) {
	if len(b) < controlPrefixLen {
		return ControlFrame{}, errFrameTooShort
	}

	cf := ControlFrame{
		Opcode:     Opcode(b[0]),
		RTT:        readUint16(b, 2),
		Throughput: readInt32(b, 4),
	}

	off := controlPrefixLen
	switch {
	case cf.Opcode == OpcodeCapabilities:
		if len(b) < off+8 {
			return ControlFrame{}, errFrameTooShort
		}
		cf.Capabilities = CapabilitySet{
			MajorVersion:   readUint16(b, off),
			MinorVersion:   readUint16(b, off+2),
			CapabilityBits: readInt32(b, off+4),
		}
	case cf.Opcode.isSendData():
		n := int(cf.Opcode)
		cf.Descriptors = make([]DataFrameDescriptor, 0, n)
		for i := 0; i < n; i++ {
			d, consumed, err := decodeDescriptor(b[off:])
			if err != nil {
				return ControlFrame{}, err
			}
			cf.Descriptors = append(cf.Descriptors, d)
			off += consumed
		}
	case cf.Opcode == OpcodeCancelMessages:
		if len(b) < off+2 {
			return ControlFrame{}, errFrameTooShort
		}
		cf.CancelMask = readUint16(b, off)
	}

	return cf, nil
}
