package packet

import (
	"bytes"

	"github.com/nimblewire/fragproto/wire"
)

// Signalling packets share major tag 255 (spec.md §3).
const signallingMajor = 255

var (
	TagNetworkEncryptionCipher  = wire.NewTag(signallingMajor, 250)
	TagBase64                  = wire.NewTag(signallingMajor, 251)
	TagEncrypted                = wire.NewTag(signallingMajor, 252)
	TagNetworkEncryptionUpgrade = wire.NewTag(signallingMajor, 253)
	TagNetworkSSLUpgrade        = wire.NewTag(signallingMajor, 254)
	TagNetworkIdentifier        = wire.NewTag(signallingMajor, 255)
)

// NetworkIdentifier carries a UTF-8 peer identity string.
type NetworkIdentifier struct {
	ID  string
	set bool
}

func NewNetworkIdentifier(id string) *NetworkIdentifier {
	return &NetworkIdentifier{ID: id, set: true}
}

func (p *NetworkIdentifier) Tag() wire.Tag { return TagNetworkIdentifier }
func (p *NetworkIdentifier) Valid() bool   { return p.set }

func (p *NetworkIdentifier) SavePayload() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPacket
	}
	return []byte(p.ID), nil
}

func (p *NetworkIdentifier) LoadPayload(data []byte) error {
	p.ID = string(data)
	p.set = true
	return nil
}

// NetworkSSLUpgrade signals a plain TLS upgrade request/acknowledgement.
// Payload: ack[1].
type NetworkSSLUpgrade struct {
	Ack bool
	set bool
}

func NewNetworkSSLUpgrade(ack bool) *NetworkSSLUpgrade {
	return &NetworkSSLUpgrade{Ack: ack, set: true}
}

func (p *NetworkSSLUpgrade) Tag() wire.Tag { return TagNetworkSSLUpgrade }
func (p *NetworkSSLUpgrade) Valid() bool   { return p.set }

func (p *NetworkSSLUpgrade) SavePayload() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPacket
	}
	return []byte{wire.PutBool(p.Ack)}, nil
}

func (p *NetworkSSLUpgrade) LoadPayload(data []byte) error {
	if len(data) != 1 {
		return ErrWrongLength
	}
	ack, ok := wire.Bool(data[0])
	if !ok {
		p.set = false
		return nil
	}
	p.Ack = ack
	p.set = true
	return nil
}

// ackUnsetByte marks a tri-state acknowledgement byte as "null" — neither
// the false (0x00) nor true (0x01) boolean-byte values, so the ordinary
// boolean discipline's "any other value is invalid" rule doubles as the
// null marker instead of forcing the whole packet unset (spec.md §9:
// replace boxed-boolean tri-state with an explicit optional field).
const ackUnsetByte = 0x02

// NetworkEncryptionUpgrade negotiates (or mode-changes) the encryption
// envelope used for subsequent traffic. Ack is nil when the sender leaves
// acknowledgement unset (a request rather than a response). Payload:
// ack[1] ∥ flags[1 bit0=upgrade bit1=base64] ∥ opt(cipher-settings[*]).
type NetworkEncryptionUpgrade struct {
	Ack       *bool
	Upgrade   bool
	Base64    bool
	Settings  []byte
	set       bool
}

func NewNetworkEncryptionUpgrade(ack *bool, upgrade, base64 bool, settings []byte) *NetworkEncryptionUpgrade {
	return &NetworkEncryptionUpgrade{Ack: ack, Upgrade: upgrade, Base64: base64, Settings: settings, set: true}
}

func (p *NetworkEncryptionUpgrade) Tag() wire.Tag { return TagNetworkEncryptionUpgrade }
func (p *NetworkEncryptionUpgrade) Valid() bool   { return p.set }

func (p *NetworkEncryptionUpgrade) SavePayload() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPacket
	}
	buf := make([]byte, 2+len(p.Settings))
	if p.Ack == nil {
		buf[0] = ackUnsetByte
	} else {
		buf[0] = wire.PutBool(*p.Ack)
	}
	var flags byte
	if p.Upgrade {
		flags |= 0x01
	}
	if p.Base64 {
		flags |= 0x02
	}
	buf[1] = flags
	copy(buf[2:], p.Settings)
	return buf, nil
}

func (p *NetworkEncryptionUpgrade) LoadPayload(data []byte) error {
	if len(data) < 2 {
		return ErrWrongLength
	}
	if data[0] == ackUnsetByte {
		p.Ack = nil
	} else {
		ack, ok := wire.Bool(data[0])
		if !ok {
			p.set = false
			return nil
		}
		p.Ack = &ack
	}
	p.Upgrade = data[1]&0x01 != 0
	p.Base64 = data[1]&0x02 != 0
	if len(data) > 2 {
		p.Settings = append([]byte(nil), data[2:]...)
	} else {
		p.Settings = nil
	}
	p.set = true
	return nil
}

// NetworkEncryptionCipher advertises (or acknowledges) an ordered list of
// supported cipher names. Payload: ack[1] ∥ count[4] ∥ {len[4] ∥ utf8[len]}×count.
type NetworkEncryptionCipher struct {
	Ack     bool
	Ciphers []string
	set     bool
}

func NewNetworkEncryptionCipher(ack bool, ciphers []string) *NetworkEncryptionCipher {
	return &NetworkEncryptionCipher{Ack: ack, Ciphers: ciphers, set: true}
}

func (p *NetworkEncryptionCipher) Tag() wire.Tag { return TagNetworkEncryptionCipher }
func (p *NetworkEncryptionCipher) Valid() bool   { return p.set }

func (p *NetworkEncryptionCipher) SavePayload() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPacket
	}
	buf := &bytes.Buffer{}
	buf.WriteByte(wire.PutBool(p.Ack))
	if err := wire.WriteInt32(buf, int32(len(p.Ciphers))); err != nil {
		return nil, err
	}
	for _, name := range p.Ciphers {
		if err := wire.WriteString(buf, name); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (p *NetworkEncryptionCipher) LoadPayload(data []byte) error {
	if len(data) < 5 {
		return ErrWrongLength
	}
	ack, ok := wire.Bool(data[0])
	if !ok {
		p.set = false
		return nil
	}
	buf := bytes.NewReader(data[1:])
	count, err := wire.ReadInt32(buf)
	if err != nil {
		return err
	}
	if count < 0 {
		return wire.ErrNegativeLength
	}
	ciphers := make([]string, 0, count)
	for i := int32(0); i < count; i++ {
		name, err := wire.ReadString(buf)
		if err != nil {
			return err
		}
		ciphers = append(ciphers, name)
	}
	p.Ack = ack
	p.Ciphers = ciphers
	p.set = true
	return nil
}
