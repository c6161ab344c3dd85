package wire

import (
	"fmt"
	"io"
)

// Tag identifies a packet variant: an ordered pair of unsigned bytes,
// written big-endian on the wire (major then minor). Equality is
// structural.
type Tag struct {
	Major byte
	Minor byte
}

// NewTag constructs a Tag from its major/minor components.
func NewTag(major, minor byte) Tag {
	return Tag{Major: major, Minor: minor}
}

// Equal reports whether two tags identify the same packet variant.
func (t Tag) Equal(other Tag) bool {
	return t.Major == other.Major && t.Minor == other.Minor
}

// Write serializes the tag as major then minor.
func (t Tag) Write(sink io.Writer) error {
	_, err := sink.Write([]byte{t.Major, t.Minor})
	return err
}

// ReadTag reads a Tag written by Tag.Write.
func ReadTag(source io.Reader) (Tag, error) {
	var buf [2]byte
	if err := ReadExact(source, buf[:]); err != nil {
		return Tag{}, err
	}
	return Tag{Major: buf[0], Minor: buf[1]}, nil
}

func (t Tag) String() string {
	return fmt.Sprintf("(%d, %d)", t.Major, t.Minor)
}
