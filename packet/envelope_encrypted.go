package packet

import (
	"bytes"
	"io"

	"github.com/nimblewire/fragproto/wire"
)

// trailerFlagBit marks bit0 of Encrypted's leading flag byte to signal a
// trailing password follows the framed inner packet in the plaintext.
const trailerFlagBit = 0x01

// Encrypted wraps one inner packet behind a cipher, with an optional
// trailing password appended to the plaintext before encryption (spec.md
// §4.2.1). Body: trailer-flag[1] ∥ settings-len[4] ∥ settings[*] ∥
// opt(trailer-len[4]) ∥ ciphertext[*].
//
// Plaintext = framed inner packet ∥ optional trailing password. trailer-
// len carries the trailing password's byte length so the decoder can
// bound the inner packet's framed length (total plaintext length minus
// trailer-len) before decoding it — letting a streaming decode clamp its
// read of the inner frame without first locating the split point by
// parsing it.
type Encrypted struct {
	Inner            Packet
	TrailingPassword *string

	cipher  CipherFactory
	factory Factory

	useCache         bool
	cacheValid       bool
	cachedSettings   []byte
	cachedCiphertext []byte

	set bool
}

// NewEncrypted constructs an Encrypted envelope around inner, bound to
// cipher for session construction and settings serialization. useCache
// lets SavePayload skip re-encrypting when cipher reports no settings
// change since the last call (CipherFactory.SettingsModified).
func NewEncrypted(inner Packet, cipher CipherFactory, factory Factory, useCache bool) *Encrypted {
	return &Encrypted{Inner: inner, cipher: cipher, factory: factory, useCache: useCache, set: true}
}

func (p *Encrypted) Tag() wire.Tag { return TagEncrypted }

func (p *Encrypted) Valid() bool {
	return p.set && p.Inner != nil && p.Inner.Valid() && p.cipher != nil
}

// SetInner replaces the inner packet and invalidates any cached encode.
func (p *Encrypted) SetInner(inner Packet) {
	p.Inner = inner
	p.cacheValid = false
}

// SetTrailingPassword replaces the trailing password (nil removes it) and
// invalidates any cached encode.
func (p *Encrypted) SetTrailingPassword(password *string) {
	p.TrailingPassword = password
	p.cacheValid = false
}

func (p *Encrypted) SavePayload() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPacket
	}
	if p.useCache && p.cacheValid && !p.cipher.SettingsModified() {
		return p.buildBody(p.cachedSettings, p.cachedCiphertext)
	}

	framed, err := EncodeFrame(p.Inner, true)
	if err != nil {
		return nil, err
	}
	plaintext := framed
	if p.TrailingPassword != nil {
		plaintext = append(append([]byte(nil), framed...), []byte(*p.TrailingPassword)...)
	}

	session, err := p.cipher.NewSession(CipherModeEncrypt)
	if err != nil {
		return nil, err
	}
	ciphertext, err := session.Transform(plaintext)
	if err != nil {
		return nil, err
	}
	settings, err := p.cipher.SettingsWithSecrets()
	if err != nil {
		return nil, err
	}

	if p.useCache {
		p.cachedSettings = settings
		p.cachedCiphertext = ciphertext
		p.cacheValid = true
	}
	return p.buildBody(settings, ciphertext)
}

func (p *Encrypted) buildBody(settings, ciphertext []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	var flags byte
	if p.TrailingPassword != nil {
		flags |= trailerFlagBit
	}
	buf.WriteByte(flags)
	if err := wire.WriteInt32(buf, int32(len(settings))); err != nil {
		return nil, err
	}
	buf.Write(settings)
	if p.TrailingPassword != nil {
		if err := wire.WriteInt32(buf, int32(len(*p.TrailingPassword))); err != nil {
			return nil, err
		}
	}
	buf.Write(ciphertext)
	return buf.Bytes(), nil
}

func (p *Encrypted) LoadPayload(data []byte) error {
	if p.cipher == nil {
		return ErrInvalidPacket
	}
	if len(data) < 5 {
		return ErrWrongLength
	}
	hasTrailer := data[0]&trailerFlagBit != 0
	offset := 1
	settingsLen := wire.Int32(data[offset : offset+4])
	offset += 4
	if settingsLen < 0 || offset+int(settingsLen) > len(data) {
		return ErrWrongLength
	}
	settings := data[offset : offset+int(settingsLen)]
	offset += int(settingsLen)

	var trailerLen int32
	if hasTrailer {
		if offset+4 > len(data) {
			return ErrWrongLength
		}
		trailerLen = wire.Int32(data[offset : offset+4])
		offset += 4
	}
	ciphertext := data[offset:]

	if err := p.cipher.ApplySettings(settings); err != nil {
		return err
	}
	session, err := p.cipher.NewSession(CipherModeDecrypt)
	if err != nil {
		return err
	}
	plaintext, err := session.Transform(ciphertext)
	if err != nil {
		return err
	}

	var framed []byte
	if hasTrailer {
		if int(trailerLen) > len(plaintext) || trailerLen < 0 {
			return ErrWrongLength
		}
		split := len(plaintext) - int(trailerLen)
		framed = plaintext[:split]
		pw := string(plaintext[split:])
		p.TrailingPassword = &pw
	} else {
		framed = plaintext
		p.TrailingPassword = nil
	}

	inner, err := DecodeFrame(framed, p.factory)
	if err != nil {
		return err
	}
	if inner == nil {
		return ErrInvalidPacket
	}
	p.Inner = inner
	p.set = true
	p.cacheValid = false
	return nil
}

// PayloadSize falls back to a full SavePayload: unlike Base64, computing
// the ciphertext length ahead of encrypting it depends on the cipher's
// per-session overhead (nonce, authentication tag), which CipherSession
// does not expose. The useCache path keeps repeated calls cheap when the
// cipher's settings have not changed.
func (p *Encrypted) PayloadSize() (int, error) { return streamPayloadSize(p) }
func (p *Encrypted) SaveStream(sink io.Writer) error { return streamSave(p, sink) }
func (p *Encrypted) LoadStream(source io.Reader, n int) error {
	return streamLoad(p, source, n)
}
