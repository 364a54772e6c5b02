package transport

import "testing"

func TestNegotiateBitwiseAnd(t *testing.T) {
	a := CapabilitySet{MajorVersion: 1, MinorVersion: 1, CapabilityBits: CapabilitySupported | CapabilityCancelMessage}
	b := CapabilitySet{MajorVersion: 1, MinorVersion: 1, CapabilityBits: CapabilitySupported}

	got := negotiate(a, b)
	want := int32(CapabilitySupported)
	if got.CapabilityBits != want {
		t.Errorf("CapabilityBits = %#x, want %#x", got.CapabilityBits, want)
	}
}

func TestNegotiateLowerVersion(t *testing.T) {
	tests := []struct {
		name      string
		a, b      CapabilitySet
		wantMajor uint16
		wantMinor uint16
	}{
		{
			name:      "lower_major_wins",
			a:         CapabilitySet{MajorVersion: 2, MinorVersion: 0},
			b:         CapabilitySet{MajorVersion: 1, MinorVersion: 5},
			wantMajor: 1, wantMinor: 5,
		},
		{
			name:      "same_major_lower_minor_wins",
			a:         CapabilitySet{MajorVersion: 1, MinorVersion: 3},
			b:         CapabilitySet{MajorVersion: 1, MinorVersion: 1},
			wantMajor: 1, wantMinor: 1,
		},
		{
			name:      "identical",
			a:         CapabilitySet{MajorVersion: 1, MinorVersion: 1},
			b:         CapabilitySet{MajorVersion: 1, MinorVersion: 1},
			wantMajor: 1, wantMinor: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := negotiate(tt.a, tt.b)
			if got.MajorVersion != tt.wantMajor || got.MinorVersion != tt.wantMinor {
				t.Errorf("negotiate() version = %d.%d, want %d.%d", got.MajorVersion, got.MinorVersion, tt.wantMajor, tt.wantMinor)
			}
		})
	}
}

func TestZeroCapabilitySetHasNothing(t *testing.T) {
	var c CapabilitySet
	if c.supportsCapabilities() || c.supportsCancel() {
		t.Error("zero-value CapabilitySet should support nothing until a 0x00 frame is received")
	}
}

func TestLocalCapabilitiesAdvertisesCancel(t *testing.T) {
	c := LocalCapabilities()
	if c.MajorVersion != 1 || c.MinorVersion != 1 {
		t.Errorf("LocalCapabilities() version = %d.%d, want 1.1", c.MajorVersion, c.MinorVersion)
	}
	if !c.supportsCapabilities() || !c.supportsCancel() {
		t.Error("LocalCapabilities() should advertise both bit 0 and bit 1")
	}
}
