package packet

import "github.com/nimblewire/fragproto/wire"

// Factory maps a protocol tag to a freshly constructed, empty packet of
// that kind, ready to receive LoadPayload. It is a small value type —
// cheap to copy — so envelope variants can hold one by value instead of a
// back-pointer (spec.md §9 "Factory self-reference").
type Factory struct {
	// StreamPreferred controls whether envelope variants that support both
	// a streaming and a buffered inner decode prefer the streaming path.
	StreamPreferred bool

	// Chained is the sub-factory envelope variants use to decode their
	// inner packet. Nil resolves to this same Factory: a fixed point, not
	// a cycle (chain() never stores a pointer to itself).
	Chained *Factory

	// Cipher is passed to Encrypted packets this factory constructs.
	// Encrypted is only produced when Cipher is non-nil.
	Cipher CipherFactory

	// Seed, if set, is assigned (shared, not copied) as the inner packet
	// of an envelope variant this factory constructs, instead of leaving Inner nil for the
	// caller to fill in via LoadPayload. Used for test/templated
	// construction.
	Seed Packet
}

// chain resolves the fixed-point self-reference: if Chained is unset, the
// envelope gets a copy of this Factory value rather than a pointer back
// to this exact instance.
func (f Factory) chain() Factory {
	if f.Chained != nil {
		return *f.Chained
	}
	return f
}

// New constructs an empty packet for tag, or nil if tag is not recognized
// (spec.md §4.3: the loader treats this as "skip").
func (f Factory) New(tag wire.Tag) Packet {
	switch {
	case tag.Equal(TagFragmentAllocate):
		return &FragmentAllocate{}
	case tag.Equal(TagFragmentAllocation):
		return &FragmentAllocation{}
	case tag.Equal(TagFragmentMessage):
		return &FragmentMessage{}
	case tag.Equal(TagFragmentMessageResponse):
		return &FragmentMessageResponse{}
	case tag.Equal(TagFragmentSendComplete):
		return &FragmentSendComplete{}
	case tag.Equal(TagFragmentRetrySend):
		return &FragmentRetrySend{}
	case tag.Equal(TagFragmentSendStop):
		return &FragmentSendStop{}
	case tag.Equal(TagFragmentSendVerifyComplete):
		return &FragmentSendVerifyComplete{}
	case tag.Equal(TagNetworkIdentifier):
		return &NetworkIdentifier{}
	case tag.Equal(TagNetworkSSLUpgrade):
		return &NetworkSSLUpgrade{}
	case tag.Equal(TagNetworkEncryptionUpgrade):
		return &NetworkEncryptionUpgrade{}
	case tag.Equal(TagNetworkEncryptionCipher):
		return &NetworkEncryptionCipher{}
	case tag.Equal(TagBase64):
		b := &Base64{factory: f.chain()}
		if f.Seed != nil {
			b.Inner = f.Seed
		}
		return b
	case tag.Equal(TagEncrypted):
		if f.Cipher == nil {
			return nil
		}
		e := &Encrypted{factory: f.chain(), cipher: f.Cipher}
		if f.Seed != nil {
			e.Inner = f.Seed
		}
		return e
	default:
		return nil
	}
}
