package fragment_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimblewire/fragproto/fragment"
	"github.com/nimblewire/fragproto/packet"
)

func newPair(t *testing.T, opts fragment.Options) (*fragment.Sender, *fragment.Receiver) {
	t.Helper()
	require.NoError(t, opts.Validate())
	sender := fragment.NewSender(opts)
	receiver := fragment.NewReceiver(opts, packet.Factory{}, &packet.Loader{})
	return sender, receiver
}

// pump relays every PollOutbound packet from src into dst's Ingest,
// letting drop decide (by fragment/packet id) whether a given
// FragmentMessage or FragmentMessageResponse actually arrives, and
// corrupt rewrite its body before delivery.
func pump(polled []packet.Packet, dst interface{ Ingest(packet.Packet) bool }, drop func(packet.Packet) bool, corrupt func(packet.Packet) packet.Packet) {
	for _, p := range polled {
		if drop != nil && drop(p) {
			continue
		}
		if corrupt != nil {
			p = corrupt(p)
		}
		dst.Ingest(p)
	}
}

func TestSingleFragmentMessage(t *testing.T) {
	opts := fragment.DefaultOptions()
	opts.FragmentationSplitSize = 16
	opts.EmptySendsTillForced = 2
	sender, receiver := newPair(t, opts)

	inner := packet.NewFragmentSendStop(7)
	require.NoError(t, sender.Submit(inner))

	var delivered []packet.Packet
	for round := 0; round < 10 && len(delivered) == 0; round++ {
		pump(sender.PollOutbound(), receiver, nil, nil)
		pump(receiver.PollOutbound(), sender, nil, nil)
		delivered = receiver.ReceiveReady()
	}

	require.Len(t, delivered, 1)
	stop, ok := delivered[0].(*packet.FragmentSendStop)
	require.True(t, ok)
	require.Equal(t, int32(7), stop.PacketID)

	// Enough additional rounds for the receiver to force completion and
	// the sender to observe SendComplete(ack=true) and post to finished.
	var finishedID int32 = -1
	for round := 0; round < 10 && finishedID == -1; round++ {
		pump(receiver.PollOutbound(), sender, nil, nil)
		pump(sender.PollOutbound(), receiver, nil, nil)
		finishedID = sender.PollFinished()
	}
	require.NotEqual(t, int32(-1), finishedID)
}

func TestResendOnLoss(t *testing.T) {
	opts := fragment.DefaultOptions()
	opts.FragmentationSplitSize = 400
	opts.EmptySendsTillForced = 2
	sender, receiver := newPair(t, opts)

	inner := packet.NewNetworkIdentifier(string(make([]byte, 1000)))
	require.NoError(t, sender.Submit(inner))

	// Drop fragment 1 only the first time it is sent.
	dropped := false
	dropFragment1 := func(p packet.Packet) bool {
		fm, ok := p.(*packet.FragmentMessage)
		if ok && fm.FragmentID == 1 && !dropped {
			dropped = true
			return true
		}
		return false
	}

	var delivered []packet.Packet
	for round := 0; round < 50 && len(delivered) == 0; round++ {
		pump(sender.PollOutbound(), receiver, dropFragment1, nil)
		pump(receiver.PollOutbound(), sender, nil, nil)
		delivered = receiver.ReceiveReady()
	}

	require.Len(t, delivered, 1)
	require.True(t, dropped, "fragment 1 must have been dropped once")
}

func TestEqualityVerificationMismatchThenConverges(t *testing.T) {
	opts := fragment.DefaultOptions()
	opts.FragmentationSplitSize = 400
	opts.VerifyFragments = true
	opts.EqualityVerifyFragments = true
	sender, receiver := newPair(t, opts)

	inner := packet.NewNetworkIdentifier(string(make([]byte, 800)))
	require.NoError(t, sender.Submit(inner))

	corruptOnce := true
	corruptFragment0Response := func(p packet.Packet) packet.Packet {
		mr, ok := p.(*packet.FragmentMessageResponse)
		if ok && mr.FragmentID == 0 && corruptOnce {
			corruptOnce = false
			bad := append([]byte(nil), mr.Body...)
			bad[0] ^= 0xFF
			return packet.NewFragmentMessageResponse(mr.PacketID, mr.FragmentID, bad)
		}
		return p
	}

	var delivered []packet.Packet
	for round := 0; round < 50 && len(delivered) == 0; round++ {
		pump(sender.PollOutbound(), receiver, nil, nil)
		pump(receiver.PollOutbound(), sender, nil, corruptFragment0Response)
		delivered = receiver.ReceiveReady()
	}

	require.Len(t, delivered, 1)
	require.False(t, corruptOnce, "the corrupted response must have been exercised")
}

func TestOptionsValidate(t *testing.T) {
	opts := fragment.DefaultOptions()
	require.NoError(t, opts.Validate())

	bad := opts
	bad.MaximumFragmentAge = time.Second
	require.ErrorIs(t, bad.Validate(), fragment.ErrConfiguration)

	bad = opts
	bad.FragmentationSplitSize = 0
	require.ErrorIs(t, bad.Validate(), fragment.ErrConfiguration)

	bad = opts
	bad.EmptySendsTillForced = 0
	require.ErrorIs(t, bad.Validate(), fragment.ErrConfiguration)
}

func TestSenderSubmitRejectsNil(t *testing.T) {
	sender := fragment.NewSender(fragment.DefaultOptions())
	err := sender.Submit(nil)
	require.ErrorIs(t, err, fragment.ErrInvalidInput)
}
