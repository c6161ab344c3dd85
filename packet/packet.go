// Package packet defines the closed set of packet variants, their wire
// payload (de)serialization, the tag-keyed factory that constructs empty
// packets ready for loading, and the frame loader that reads and writes
// tag+length+payload(+digest) frames.
//
// Packets are modeled as a tagged sum (spec.md §9): a flat set of structs
// each implementing Packet, dispatched by the two-byte protocol Tag rather
// than by a class hierarchy with runtime type checks.
package packet

import (
	"errors"
	"io"

	"github.com/nimblewire/fragproto/wire"
)

// Packet is the capability set every variant implements: a tag lookup, a
// validity predicate, and payload (de)serialization bounded by the slice
// the loader hands it.
type Packet interface {
	// Tag identifies the packet's wire variant.
	Tag() wire.Tag

	// Valid reports whether every field required for serialization is
	// set. An invalid packet fails to serialize.
	Valid() bool

	// SavePayload serializes the packet's payload (not the frame: no tag,
	// no length, no digest).
	SavePayload() ([]byte, error)

	// LoadPayload deserializes a payload slice produced by SavePayload (or
	// an equivalent wire-compatible producer). Implementations must not
	// read past len(data); the loader establishes the payload boundary.
	LoadPayload(data []byte) error
}

// StreamingPacket is implemented by packet variants that read or write
// their payload through an io.Reader/io.Writer in addition to the
// buffered SavePayload/LoadPayload — currently the envelope packets,
// Base64 and Encrypted (spec.md §4.2.1/4.2.2). Both implement it on top of
// their buffered methods (see streamSave/streamLoad), so the whole
// payload is still held in memory; no incremental cipher or base64 pipe
// is used.
type StreamingPacket interface {
	Packet

	// PayloadSize reports the exact serialized payload length without
	// side effects, for callers (the loader's size_of) that must
	// pre-declare body length before writing.
	PayloadSize() (int, error)

	// SaveStream writes the payload to sink via a streaming pipe.
	SaveStream(sink io.Writer) error

	// LoadStream reads exactly length bytes of payload from source via a
	// streaming pipe.
	LoadStream(source io.Reader, length int) error
}

// CipherMode selects which direction a CipherSession is constructed for.
type CipherMode int

const (
	CipherModeEncrypt CipherMode = iota
	CipherModeDecrypt
)

// CipherFactory is the external collaborator from spec.md §6: it
// constructs cipher sessions, exposes settings blobs with and without
// secret material, and reports whether settings changed since the caller
// last asked (used to invalidate an envelope's encode cache).
type CipherFactory interface {
	NewSession(mode CipherMode) (CipherSession, error)
	SettingsWithSecrets() ([]byte, error)
	SettingsWithoutSecrets() ([]byte, error)
	SettingsModified() bool
	ApplySettings(data []byte) error
}

// CipherSession is a cipher bound to one mode (encrypt or decrypt),
// supporting both a whole-buffer transform and a streaming pipe.
type CipherSession interface {
	Transform(data []byte) ([]byte, error)
	StreamReader(r io.Reader) (io.Reader, error)
	StreamWriter(w io.Writer) (io.WriteCloser, error)
}

// DigestProvider is the external collaborator from spec.md §6: a fixed
// length digest with streaming wrappers for a reader and a writer, a
// one-shot digest of a byte slice, and a byte comparison helper.
type DigestProvider interface {
	Length() int
	Sum(data []byte) []byte
	Equal(a, b []byte) bool
	WrapReader(r io.Reader) DigestReader
	WrapWriter(w io.Writer) DigestWriter
}

// DigestReader accumulates a digest over everything read through it.
type DigestReader interface {
	io.Reader
	Sum() []byte
}

// DigestWriter accumulates a digest over everything written through it.
type DigestWriter interface {
	io.Writer
	Sum() []byte
}

// Errors surfaced by packet variants and the frame loader (spec.md §7).
var (
	ErrInvalidPacket   = errors.New("packet: required field unset")
	ErrWrongLength     = errors.New("packet: payload has wrong length for variant")
	ErrInvalidArgument = errors.New("packet: invalid argument")
	ErrUnknownVariant  = errors.New("packet: unknown protocol tag")
)
