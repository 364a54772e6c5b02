package transport

// Capability bits, spec §3.
const (
	CapabilitySupported       int32 = 1 << 0
	CapabilityCancelMessage   int32 = 1 << 1
	capabilityExtensionsFlag  int32 = -1 << 31 // Bit 31, the sign bit of an int32.
)

// CapabilitySet is a version plus a feature bitmask (spec §4.D). The
// zero value represents "no capabilities known yet", which is what every
// connection starts with until it receives its first 0x00 frame.
type CapabilitySet struct {
	MajorVersion   uint16
	MinorVersion   uint16
	CapabilityBits int32
}

// localCapabilities is what this library advertises: version 1.1 with
// support for negotiation itself and for message cancellation.
var localCapabilities = CapabilitySet{
	MajorVersion:   1,
	MinorVersion:   1,
	CapabilityBits: CapabilitySupported | CapabilityCancelMessage,
}

// LocalCapabilities returns the capability set this library advertises.
func LocalCapabilities() CapabilitySet {
	return localCapabilities
}

// negotiate returns the set both sides can rely on: the bitwise AND of
// their capability bits, and the lexicographically lower of their
// (major, minor) version pairs (spec §4.D).
func negotiate(a, b CapabilitySet) CapabilitySet {
	result := CapabilitySet{CapabilityBits: a.CapabilityBits & b.CapabilityBits}

	if a.MajorVersion != b.MajorVersion {
		if a.MajorVersion < b.MajorVersion {
			result.MajorVersion, result.MinorVersion = a.MajorVersion, a.MinorVersion
		} else {
			result.MajorVersion, result.MinorVersion = b.MajorVersion, b.MinorVersion
		}
		return result
	}

	result.MajorVersion = a.MajorVersion
	if a.MinorVersion < b.MinorVersion {
		result.MinorVersion = a.MinorVersion
	} else {
		result.MinorVersion = b.MinorVersion
	}
	return result
}

// supportsCancel reports whether the negotiated set allows emitting
// cancel-message control frames without risking a legacy peer's connection.
func (c CapabilitySet) supportsCancel() bool {
	return c.CapabilityBits&CapabilityCancelMessage != 0
}

func (c CapabilitySet) supportsCapabilities() bool {
	return c.CapabilityBits&CapabilitySupported != 0
}
