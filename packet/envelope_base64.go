package packet

import (
	"encoding/base64"
	"io"

	"github.com/nimblewire/fragproto/wire"
)

// Base64 wraps one inner packet, transporting it as the base64 text of
// its framed form (tag ∥ length ∥ payload) instead of raw bytes — for
// transports that can't carry arbitrary binary (spec.md §4.2.2).
type Base64 struct {
	Inner   Packet
	factory Factory
	set     bool
}

// NewBase64 constructs a Base64 envelope around inner. factory is used to
// reconstruct the inner packet on LoadPayload (irrelevant until then).
func NewBase64(inner Packet, factory Factory) *Base64 {
	return &Base64{Inner: inner, factory: factory, set: true}
}

func (p *Base64) Tag() wire.Tag { return TagBase64 }
func (p *Base64) Valid() bool   { return p.set && p.Inner != nil && p.Inner.Valid() }

func (p *Base64) SavePayload() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPacket
	}
	framed, err := EncodeFrame(p.Inner, true)
	if err != nil {
		return nil, err
	}
	return []byte(base64.StdEncoding.EncodeToString(framed)), nil
}

func (p *Base64) LoadPayload(data []byte) error {
	framed, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return err
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
	return nil
}

// PayloadSize computes the base64-encoded length directly from the
// inner frame's length (ceil(n/3)*4) rather than materializing the
// encoded text (spec.md §4.2.2).
func (p *Base64) PayloadSize() (int, error) {
	if !p.Valid() {
		return 0, ErrInvalidPacket
	}
	l := &Loader{}
	n, err := l.SizeOf(p.Inner, true, true)
	if err != nil {
		return 0, err
	}
	return ((n + 2) / 3) * 4, nil
}

func (p *Base64) SaveStream(sink io.Writer) error            { return streamSave(p, sink) }
func (p *Base64) LoadStream(source io.Reader, n int) error { return streamLoad(p, source, n) }
