package packet_test

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nimblewire/fragproto/cipher"
	"github.com/nimblewire/fragproto/digest"
	"github.com/nimblewire/fragproto/packet"
	"github.com/nimblewire/fragproto/wire"
)

func roundTrip(t *testing.T, pkt packet.Packet, factory packet.Factory) packet.Packet {
	t.Helper()
	l := &packet.Loader{}
	buf := &bytes.Buffer{}
	require.NoError(t, l.Write(buf, pkt, true))
	got, err := l.Read(buf, factory, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestFragmentAllocateRoundTrip(t *testing.T) {
	u := uuid.New()
	pkt := packet.NewFragmentAllocate(3, u)
	got := roundTrip(t, pkt, packet.Factory{})
	fa, ok := got.(*packet.FragmentAllocate)
	require.True(t, ok)
	require.Equal(t, int32(3), fa.FragmentCount)
	require.Equal(t, u, fa.AllocationUUID)
}

func TestFragmentMessageRoundTrip(t *testing.T) {
	pkt := packet.NewFragmentMessage(5, 2, []byte("hello"))
	got := roundTrip(t, pkt, packet.Factory{})
	fm, ok := got.(*packet.FragmentMessage)
	require.True(t, ok)
	require.Equal(t, int32(5), fm.PacketID)
	require.Equal(t, int32(2), fm.FragmentID)
	require.Equal(t, []byte("hello"), fm.Body)
}

func TestFragmentMessageInvalidEmptyBody(t *testing.T) {
	pkt := packet.NewFragmentMessage(0, 0, nil)
	require.False(t, pkt.Valid())
	_, err := pkt.SavePayload()
	require.ErrorIs(t, err, packet.ErrInvalidPacket)
}

func TestNetworkEncryptionUpgradeNullAck(t *testing.T) {
	pkt := packet.NewNetworkEncryptionUpgrade(nil, true, false, []byte("settings"))
	got := roundTrip(t, pkt, packet.Factory{})
	up, ok := got.(*packet.NetworkEncryptionUpgrade)
	require.True(t, ok)
	require.Nil(t, up.Ack)
	require.True(t, up.Upgrade)
	require.False(t, up.Base64)
	require.Equal(t, []byte("settings"), up.Settings)
}

func TestNetworkEncryptionUpgradeSetAck(t *testing.T) {
	ack := true
	pkt := packet.NewNetworkEncryptionUpgrade(&ack, false, true, nil)
	got := roundTrip(t, pkt, packet.Factory{})
	up := got.(*packet.NetworkEncryptionUpgrade)
	require.NotNil(t, up.Ack)
	require.True(t, *up.Ack)
	require.True(t, up.Base64)
}

func TestNetworkEncryptionCipherRoundTrip(t *testing.T) {
	pkt := packet.NewNetworkEncryptionCipher(true, []string{"aes-256-gcm", "chacha20-poly1305"})
	got := roundTrip(t, pkt, packet.Factory{})
	nc := got.(*packet.NetworkEncryptionCipher)
	require.True(t, nc.Ack)
	require.Equal(t, []string{"aes-256-gcm", "chacha20-poly1305"}, nc.Ciphers)
}

func TestUnknownTagReturnsNothing(t *testing.T) {
	l := &packet.Loader{}
	buf := &bytes.Buffer{}
	// A tag no factory recognizes (1, 99), with a 2-byte payload.
	require.NoError(t, wire.NewTag(1, 99).Write(buf))
	require.NoError(t, wire.WriteInt32(buf, 2))
	buf.Write([]byte{0x01, 0x02})

	got, err := l.Read(buf, packet.Factory{}, nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBase64EnvelopeRoundTrip(t *testing.T) {
	inner := packet.NewFragmentSendStop(7)
	outer := packet.NewBase64(inner, packet.Factory{})
	got := roundTrip(t, outer, packet.Factory{})
	b64, ok := got.(*packet.Base64)
	require.True(t, ok)
	stop, ok := b64.Inner.(*packet.FragmentSendStop)
	require.True(t, ok)
	require.Equal(t, int32(7), stop.PacketID)
}

func newTestCipherFactory(t *testing.T) *cipher.AESGCMFactory {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	f, err := cipher.NewAESGCMFactory(key)
	require.NoError(t, err)
	return f
}

func TestEncryptedEnvelopeRoundTrip(t *testing.T) {
	cf := newTestCipherFactory(t)
	inner := packet.NewFragmentSendStop(42)
	factory := packet.Factory{Cipher: cf}
	outer := packet.NewEncrypted(inner, cf, factory, false)

	got := roundTrip(t, outer, factory)
	enc, ok := got.(*packet.Encrypted)
	require.True(t, ok)
	stop, ok := enc.Inner.(*packet.FragmentSendStop)
	require.True(t, ok)
	require.Equal(t, int32(42), stop.PacketID)
}

func TestEncryptedEnvelopeWithTrailingPassword(t *testing.T) {
	cf := newTestCipherFactory(t)
	inner := packet.NewFragmentSendStop(9)
	factory := packet.Factory{Cipher: cf}
	pw := "s3cr3t"
	outer := packet.NewEncrypted(inner, cf, factory, false)
	outer.SetTrailingPassword(&pw)

	got := roundTrip(t, outer, factory)
	enc := got.(*packet.Encrypted)
	require.NotNil(t, enc.TrailingPassword)
	require.Equal(t, pw, *enc.TrailingPassword)
	require.Equal(t, int32(9), enc.Inner.(*packet.FragmentSendStop).PacketID)
}

func TestEncryptedEnvelopeUsesCache(t *testing.T) {
	cf := newTestCipherFactory(t)
	inner := packet.NewFragmentSendStop(1)
	factory := packet.Factory{Cipher: cf}
	outer := packet.NewEncrypted(inner, cf, factory, true)

	first, err := outer.SavePayload()
	require.NoError(t, err)
	second, err := outer.SavePayload()
	require.NoError(t, err)
	require.Equal(t, first, second, "cached encode must be stable across calls with unchanged settings")
}

func TestDigestMismatchReturnsNothing(t *testing.T) {
	l := &packet.Loader{Digest: digest.SHA256Provider{}}
	buf := &bytes.Buffer{}
	pkt := packet.NewFragmentSendStop(3)
	require.NoError(t, l.Write(buf, pkt, true))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // corrupt the last digest byte

	got, err := l.Read(bytes.NewReader(raw), packet.Factory{}, nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDigestOKRoundTrip(t *testing.T) {
	l := &packet.Loader{Digest: digest.SHA256Provider{}}
	buf := &bytes.Buffer{}
	pkt := packet.NewFragmentSendStop(3)
	require.NoError(t, l.Write(buf, pkt, true))

	got, err := l.Read(buf, packet.Factory{}, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int32(3), got.(*packet.FragmentSendStop).PacketID)
}

func TestOldPacketFormatRoundTrip(t *testing.T) {
	l := &packet.Loader{Digest: digest.SHA256Provider{}, OldPacketFormat: true}
	buf := &bytes.Buffer{}
	pkt := packet.NewFragmentSendStop(11)
	require.NoError(t, l.Write(buf, pkt, true))

	got, err := l.Read(buf, packet.Factory{}, nil)
	require.NoError(t, err)
	require.Equal(t, int32(11), got.(*packet.FragmentSendStop).PacketID)
}
