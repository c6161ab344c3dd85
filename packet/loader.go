package packet

import (
	"bytes"
	"fmt"
	"io"

	"github.com/nimblewire/fragproto/wire"
)

// digestPresentFlag marks bit31 of a long-frame length field to signal a
// digest trailer follows the payload. It reuses the same bit position the
// sign convention in wire.PutInt32 occupies for ordinary int32 values;
// here the field is always a non-negative length, so the bit is free for
// this orthogonal purpose — callers of the two conventions never mix them
// over the same field (spec.md §4.1, §4.4).
const digestPresentFlag = 0x80000000

// Loader reads and writes frames: tag ∥ length ∥ payload ∥ optional digest
// trailer. The zero value is a short-frame loader (no digest ever
// written or expected).
//
// Long frame (Digest set, !OldPacketFormat): length's top bit is set,
// payload is followed by digest-len[1] ∥ digest[digest-len].
//
// Legacy frame (OldPacketFormat): the top bit is never set (length is a
// plain magnitude, as in the short frame) but a digest of Digest's fixed
// Length() still trails the payload with no explicit length prefix — the
// peer is assumed to already know the digest's width out of band.
type Loader struct {
	Digest              DigestProvider
	OldPacketFormat     bool
	AllowInvalidPackets bool
}

// SizeOf reports the exact byte length Write would emit for pkt, without
// writing anything. includeTag adds the 2-byte tag; ignoreDigest omits
// the trailer even if Digest is configured (used by envelope packets that
// frame their inner packet without a digest of its own).
func (l *Loader) SizeOf(pkt Packet, includeTag, ignoreDigest bool) (int, error) {
	size := 0
	if includeTag {
		size += 2
	}
	payloadLen, err := payloadLength(pkt)
	if err != nil {
		return 0, err
	}
	size += 4 + payloadLen
	if !ignoreDigest && l.Digest != nil {
		if !l.OldPacketFormat {
			size++
		}
		size += l.Digest.Length()
	}
	return size, nil
}

func payloadLength(pkt Packet) (int, error) {
	if sp, ok := pkt.(StreamingPacket); ok {
		return sp.PayloadSize()
	}
	b, err := pkt.SavePayload()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Write emits pkt's frame to sink. includeTag controls whether the
// 2-byte tag precedes the length (false when the caller already
// transmitted the tag out of band, e.g. to pick the variant before
// constructing it).
func (l *Loader) Write(sink io.Writer, pkt Packet, includeTag bool) error {
	if !l.AllowInvalidPackets && !pkt.Valid() {
		return fmt.Errorf("packet: write: %w", ErrInvalidPacket)
	}
	if includeTag {
		if err := pkt.Tag().Write(sink); err != nil {
			return err
		}
	}
	if sp, ok := pkt.(StreamingPacket); ok {
		return l.writeStreaming(sink, sp)
	}
	return l.writeBuffered(sink, pkt)
}

func (l *Loader) writeBuffered(sink io.Writer, pkt Packet) error {
	payload, err := pkt.SavePayload()
	if err != nil {
		return err
	}
	if err := l.writeLengthField(sink, int32(len(payload))); err != nil {
		return err
	}
	if _, err := sink.Write(payload); err != nil {
		return err
	}
	if l.Digest == nil {
		return nil
	}
	return l.writeDigestTrailer(sink, l.Digest.Sum(payload))
}

func (l *Loader) writeStreaming(sink io.Writer, sp StreamingPacket) error {
	size, err := sp.PayloadSize()
	if err != nil {
		return err
	}
	if err := l.writeLengthField(sink, int32(size)); err != nil {
		return err
	}
	if l.Digest == nil {
		return sp.SaveStream(sink)
	}
	dw := l.Digest.WrapWriter(sink)
	if err := sp.SaveStream(dw); err != nil {
		return err
	}
	return l.writeDigestTrailer(sink, dw.Sum())
}

func (l *Loader) writeLengthField(sink io.Writer, length int32) error {
	raw := uint32(length) & 0x7fffffff
	if l.Digest != nil && !l.OldPacketFormat {
		raw |= digestPresentFlag
	}
	_, err := sink.Write([]byte{byte(raw >> 24), byte(raw >> 16), byte(raw >> 8), byte(raw)})
	return err
}

func (l *Loader) writeDigestTrailer(sink io.Writer, sum []byte) error {
	if !l.OldPacketFormat {
		if _, err := sink.Write([]byte{byte(len(sum))}); err != nil {
			return err
		}
	}
	_, err := sink.Write(sum)
	return err
}

func (l *Loader) readLengthField(source io.Reader) (length int32, digestFlag bool, err error) {
	var raw [4]byte
	if err := wire.ReadExact(source, raw[:]); err != nil {
		return 0, false, err
	}
	v := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	if l.OldPacketFormat {
		return int32(v & 0x7fffffff), false, nil
	}
	return int32(v & 0x7fffffff), v&digestPresentFlag != 0, nil
}

// Read decodes one frame from source and constructs the packet it
// describes via factory. When tag is non-nil the caller already consumed
// the frame's tag (its value is used instead of reading one).
//
// Returns (nil, nil) — "nothing", not an error — when: the tag is
// unrecognized by factory, the trailing digest does not match the
// recomputed one, or the decoded packet is invalid and
// AllowInvalidPackets is false. A non-nil error means the frame itself
// could not be parsed (codec failure), distinct from "parsed fine but
// rejected".
func (l *Loader) Read(source io.Reader, factory Factory, tag *wire.Tag) (Packet, error) {
	t, err := l.resolveTag(source, tag)
	if err != nil {
		return nil, err
	}
	length, digestFlag, err := l.readLengthField(source)
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("packet: read: negative payload length: %w", ErrInvalidArgument)
	}
	payload := make([]byte, length)
	if err := wire.ReadExact(source, payload); err != nil {
		return nil, err
	}
	ok, err := l.verifyDigestTrailer(source, digestFlag, payload)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	pkt := factory.New(t)
	if pkt == nil {
		return nil, nil
	}
	if err := pkt.LoadPayload(payload); err != nil {
		return nil, err
	}
	if !l.AllowInvalidPackets && !pkt.Valid() {
		return nil, nil
	}
	return pkt, nil
}

func (l *Loader) resolveTag(source io.Reader, tag *wire.Tag) (wire.Tag, error) {
	if tag != nil {
		return *tag, nil
	}
	return wire.ReadTag(source)
}

// verifyDigestTrailer consumes a digest trailer if one is present (per
// digestFlag for a new-format loader, or unconditionally when
// OldPacketFormat and Digest is configured), and reports whether the
// recomputed digest matched. With no Digest configured, a trailer is
// still consumed so the stream position lands correctly, but is treated
// as trusted (ok=true) since there is nothing to verify against.
func (l *Loader) verifyDigestTrailer(source io.Reader, digestFlag bool, payload []byte) (bool, error) {
	expect := digestFlag
	if l.OldPacketFormat {
		expect = l.Digest != nil
	}
	if !expect {
		return true, nil
	}
	digestLen := 0
	if l.OldPacketFormat {
		digestLen = l.Digest.Length()
	} else {
		b, err := wire.ReadByte(source)
		if err != nil {
			return false, err
		}
		digestLen = int(b)
	}
	sum := make([]byte, digestLen)
	if err := wire.ReadExact(source, sum); err != nil {
		return false, err
	}
	if l.Digest == nil {
		return true, nil
	}
	return l.Digest.Equal(l.Digest.Sum(payload), sum), nil
}

// ReadStreamed behaves like Read but, when factory.StreamPreferred and the
// decoded variant implements StreamingPacket, pipes the payload directly
// from source into LoadStream instead of buffering it first.
func (l *Loader) ReadStreamed(source io.Reader, factory Factory, tag *wire.Tag) (Packet, error) {
	t, err := l.resolveTag(source, tag)
	if err != nil {
		return nil, err
	}
	length, digestFlag, err := l.readLengthField(source)
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("packet: read: negative payload length: %w", ErrInvalidArgument)
	}

	pkt := factory.New(t)
	if pkt == nil {
		if err := l.skipFrameTail(source, length, digestFlag); err != nil {
			return nil, err
		}
		return nil, nil
	}

	sp, streamable := pkt.(StreamingPacket)
	if !streamable || !factory.StreamPreferred {
		payload := make([]byte, length)
		if err := wire.ReadExact(source, payload); err != nil {
			return nil, err
		}
		ok, err := l.verifyDigestTrailer(source, digestFlag, payload)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		if err := pkt.LoadPayload(payload); err != nil {
			return nil, err
		}
		if !l.AllowInvalidPackets && !pkt.Valid() {
			return nil, nil
		}
		return pkt, nil
	}

	limited := io.LimitReader(source, int64(length))
	var dr DigestReader
	var reader io.Reader = limited
	if l.Digest != nil {
		dr = l.Digest.WrapReader(limited)
		reader = dr
	}
	if err := sp.LoadStream(reader, length); err != nil {
		return nil, err
	}
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return nil, err
	}
	if dr != nil {
		expect := digestFlag
		if l.OldPacketFormat {
			expect = true
		}
		if expect {
			digestLen := 0
			if l.OldPacketFormat {
				digestLen = l.Digest.Length()
			} else {
				b, err := wire.ReadByte(source)
				if err != nil {
					return nil, err
				}
				digestLen = int(b)
			}
			sum := make([]byte, digestLen)
			if err := wire.ReadExact(source, sum); err != nil {
				return nil, err
			}
			if !l.Digest.Equal(dr.Sum(), sum) {
				return nil, nil
			}
		}
	} else if digestFlag && !l.OldPacketFormat {
		b, err := wire.ReadByte(source)
		if err != nil {
			return nil, err
		}
		if _, err := io.CopyN(io.Discard, source, int64(b)); err != nil {
			return nil, err
		}
	}
	if !l.AllowInvalidPackets && !pkt.Valid() {
		return nil, nil
	}
	return pkt, nil
}

func (l *Loader) skipFrameTail(source io.Reader, length int32, digestFlag bool) error {
	if _, err := io.CopyN(io.Discard, source, int64(length)); err != nil {
		return err
	}
	expect := digestFlag
	if l.OldPacketFormat {
		expect = l.Digest != nil
	}
	if !expect {
		return nil
	}
	digestLen := 0
	if l.OldPacketFormat {
		digestLen = l.Digest.Length()
	} else {
		b, err := wire.ReadByte(source)
		if err != nil {
			return err
		}
		digestLen = int(b)
	}
	_, err := io.CopyN(io.Discard, source, int64(digestLen))
	return err
}

// EncodeFrame serializes pkt's full frame (tag ∥ length ∥ payload, no
// digest) into a standalone byte slice. Envelope packets (Base64,
// Encrypted) use this to produce the "framed inner packet" their body
// wraps (spec.md §4.2.1/4.2.2).
func EncodeFrame(pkt Packet, includeTag bool) ([]byte, error) {
	l := &Loader{}
	buf := &bytes.Buffer{}
	if err := l.Write(buf, pkt, includeTag); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a standalone framed packet (as produced by
// EncodeFrame) out of data using factory to construct the variant.
func DecodeFrame(data []byte, factory Factory) (Packet, error) {
	l := &Loader{}
	return l.Read(bytes.NewReader(data), factory, nil)
}

// streamPayloadSize, streamSave and streamLoad adapt a buffered Packet's
// SavePayload/LoadPayload into the StreamingPacket shape for envelope
// variants (Base64, Encrypted) whose inner transform (base64, a cipher)
// does not need a true incremental pipe to satisfy round-trip
// correctness. This trades the fully-streamed memory profile the
// interface allows for simplicity; nothing in this module's test
// properties exercises incremental streaming behavior directly.
func streamPayloadSize(p Packet) (int, error) {
	b, err := p.SavePayload()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func streamSave(p Packet, sink io.Writer) error {
	b, err := p.SavePayload()
	if err != nil {
		return err
	}
	_, err = sink.Write(b)
	return err
}

func streamLoad(p Packet, source io.Reader, length int) error {
	buf := make([]byte, length)
	if err := wire.ReadExact(source, buf); err != nil {
		return err
	}
	return p.LoadPayload(buf)
}
