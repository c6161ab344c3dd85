package wire_test

import (
	"bytes"
	"testing"

	"github.com/nimblewire/fragproto/wire"
	"github.com/stretchr/testify/require"
)

func TestInt32RoundTrip(t *testing.T) {
	cases := []int32{0, 1, -1, 7, -7, 1<<30 - 1, -(1<<30 - 1), 1 << 30, -(1 << 30)}
	for _, v := range cases {
		var buf [4]byte
		wire.PutInt32(buf[:], v)
		require.Equal(t, v, wire.Int32(buf[:]), "round trip of %d", v)
	}
}

func TestWriteReadInt32(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, wire.WriteInt32(buf, -123456))
	got, err := wire.ReadInt32(buf)
	require.NoError(t, err)
	require.Equal(t, int32(-123456), got)
}

func TestReadExactUnexpectedEnd(t *testing.T) {
	buf := bytes.NewReader([]byte{1, 2})
	err := wire.ReadExact(buf, make([]byte, 4))
	require.ErrorIs(t, err, wire.ErrUnexpectedEnd)
}

func TestReadByteUnexpectedEnd(t *testing.T) {
	buf := bytes.NewReader(nil)
	_, err := wire.ReadByte(buf)
	require.ErrorIs(t, err, wire.ErrUnexpectedEnd)
}

func TestBytesRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := []byte("hello fragment")
	require.NoError(t, wire.WriteBytes(buf, payload))
	got, err := wire.ReadBytes(buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestStringRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, wire.WriteString(buf, "abc"))
	got, err := wire.ReadString(buf)
	require.NoError(t, err)
	require.Equal(t, "abc", got)
}

func TestBoolDiscipline(t *testing.T) {
	v, ok := wire.Bool(0x00)
	require.True(t, ok)
	require.False(t, v)

	v, ok = wire.Bool(0x01)
	require.True(t, ok)
	require.True(t, v)

	_, ok = wire.Bool(0x02)
	require.False(t, ok)
}

func TestTagEqualityAndWire(t *testing.T) {
	a := wire.NewTag(254, 3)
	b := wire.NewTag(254, 3)
	c := wire.NewTag(254, 4)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))

	buf := &bytes.Buffer{}
	require.NoError(t, a.Write(buf))
	require.Equal(t, []byte{254, 3}, buf.Bytes())

	got, err := wire.ReadTag(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, a.Equal(got))
}
