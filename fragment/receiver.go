package fragment

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nimblewire/fragproto/internal/logging"
	"github.com/nimblewire/fragproto/packet"
	"go.uber.org/zap"
)

type receiverEntry struct {
	packetID       int32
	allocationUUID uuid.UUID
	fragmentCount  int32

	bodies       map[int32][]byte
	idsToReceive *bitset // fragment-ids not yet arrived
	missingCount int
	idsToAKN     []int32 // fragment-ids arrived and owed an ack, FIFO
	queuedForAck *bitset // mirrors idsToAKN membership, for O(1) dup checks

	sendsTillCompleteForced int
	fsendActive             bool
	verifyReceived          bool
	consumed                bool
}

func newReceiverEntry(packetID int32, allocUUID uuid.UUID, fragmentCount int32) *receiverEntry {
	missing := newBitset(int(fragmentCount))
	for i := 0; i < int(fragmentCount); i++ {
		missing.set(i, true)
	}
	return &receiverEntry{
		packetID:       packetID,
		allocationUUID: allocUUID,
		fragmentCount:  fragmentCount,
		bodies:         make(map[int32][]byte, fragmentCount),
		idsToReceive:   missing,
		missingCount:   int(fragmentCount),
		queuedForAck:   newBitset(int(fragmentCount)),
	}
}

// receiveMessage records an arrived fragment. A fragment-id already
// queued for ack is not queued a second time, but one whose prior ack
// was already emitted (e.g. a resend after an equality mismatch) is
// queued afresh so the sender gets a new chance to verify it.
func (e *receiverEntry) receiveMessage(p *packet.FragmentMessage) {
	if !e.queuedForAck.get(int(p.FragmentID)) {
		e.idsToAKN = append(e.idsToAKN, p.FragmentID)
		e.queuedForAck.set(int(p.FragmentID), true)
	}
	e.bodies[p.FragmentID] = p.Body
	if e.idsToReceive.get(int(p.FragmentID)) {
		e.idsToReceive.set(int(p.FragmentID), false)
		e.missingCount--
	}
}

// nextOutbound runs one step of the per-message receiver state machine
// (spec.md §4.6) and returns the control packet to emit this poll, if
// any.
func (e *receiverEntry) nextOutbound(opts Options) packet.Packet {
	if len(e.idsToAKN) > 0 {
		id := e.idsToAKN[0]
		e.idsToAKN = e.idsToAKN[1:]
		e.queuedForAck.set(int(id), false)
		var body []byte
		if opts.VerifyFragments {
			body = e.bodies[id]
		}
		return packet.NewFragmentMessageResponse(e.packetID, id, body)
	}

	e.fsendActive = true
	guardedByVerify := opts.EqualityVerifyFragments && !e.verifyReceived
	if !guardedByVerify && e.sendsTillCompleteForced > 0 {
		e.sendsTillCompleteForced--
	}
	if e.sendsTillCompleteForced == 0 && !guardedByVerify {
		if e.missingCount == 0 {
			return packet.NewFragmentSendComplete(e.packetID, true)
		}
		return packet.NewFragmentRetrySend(e.packetID, false)
	}
	return nil
}

// consumeReady reports whether the entry is complete and unconsumed.
func (e *receiverEntry) consumeReady(opts Options) bool {
	if e.consumed || e.missingCount != 0 {
		return false
	}
	if opts.EqualityVerifyFragments && !e.verifyReceived {
		return false
	}
	return true
}

func (e *receiverEntry) concatenate() []byte {
	ids := make([]int32, 0, len(e.bodies))
	for id := range e.bodies {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []byte
	for _, id := range ids {
		out = append(out, e.bodies[id]...)
	}
	return out
}

// Receiver reassembles fragments into inner packets and drives the
// control-packet side of the protocol (allocation, acknowledgement,
// retry requests).
type Receiver struct {
	mu sync.Mutex

	opts    Options
	factory packet.Factory
	loader  *packet.Loader

	nextID      int32
	usedUUIDs   map[uuid.UUID]bool
	registry    map[int32]*receiverEntry
	allocations []packet.Packet // queued Allocation responses awaiting emission
	forceStop   []int32         // queued SendStop for deleted entries

	outputMu   sync.Mutex
	outputCond *sync.Cond
	output     []packet.Packet

	finishedMu  sync.Mutex
	finishedIDs []int32
	closed      bool

	// OnDecodeError is invoked, out-of-band, when a fully-reassembled
	// packet-id fails to decode (spec.md §7 "the exception delivered
	// out-of-band to the marshal's error callback"). It runs
	// synchronously from within PollOutbound with the Receiver's
	// internal lock held, so it must not call back into the Receiver.
	// May be left nil.
	OnDecodeError func(packetID int32, err error)

	// OnAllocated mirrors Sender.OnAllocated: invoked the moment an
	// incoming FragmentAllocate is assigned a registry entry, so the
	// external marshal can start its own Options.MaximumFragmentAge
	// timer and call Delete(packetID) if the peer stalls — e.g. a
	// verify-guarded entry whose SendVerifyComplete never arrives
	// (spec.md §4.7). The Receiver owns no clock and never calls Delete
	// on its own. May be left nil.
	OnAllocated func(packetID int32)
}

// NewReceiver constructs a Receiver. factory and loader are used to
// reconstruct the inner packet once every fragment has arrived.
func NewReceiver(opts Options, factory packet.Factory, loader *packet.Loader) *Receiver {
	r := &Receiver{
		opts:      opts,
		factory:   factory,
		loader:    loader,
		usedUUIDs: make(map[uuid.UUID]bool),
		registry:  make(map[int32]*receiverEntry),
	}
	r.outputCond = sync.NewCond(&r.outputMu)
	return r
}

// allocateID returns the next unused packet-id, advancing past any id
// already registered. Fails once advancing would overflow int32
// (spec.md §4.6 "Packet-id allocation").
func (r *Receiver) allocateID() (int32, bool) {
	for {
		if _, used := r.registry[r.nextID]; !used {
			return r.nextID, true
		}
		if r.nextID == math.MaxInt32 {
			return 0, false
		}
		r.nextID++
	}
}

// Ingest feeds a fragment-protocol packet into the correct entry,
// creating one on FragmentAllocate for a novel allocation-uuid. Returns
// whether pkt was a fragment-protocol packet.
func (r *Receiver) Ingest(pkt packet.Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch p := pkt.(type) {
	case *packet.FragmentAllocate:
		if r.usedUUIDs[p.AllocationUUID] {
			return true
		}
		id, ok := r.allocateID()
		if !ok {
			r.allocations = append(r.allocations, packet.NewFragmentAllocation(0, p.AllocationUUID, false))
			return true
		}
		r.usedUUIDs[p.AllocationUUID] = true
		entry := newReceiverEntry(id, p.AllocationUUID, p.FragmentCount)
		entry.sendsTillCompleteForced = r.opts.EmptySendsTillForced + 1
		r.registry[id] = entry
		r.allocations = append(r.allocations, packet.NewFragmentAllocation(id, p.AllocationUUID, true))
		if r.OnAllocated != nil {
			r.OnAllocated(id)
		}
		return true
	case *packet.FragmentMessage:
		if e, ok := r.registry[p.PacketID]; ok {
			e.receiveMessage(p)
		}
		return true
	case *packet.FragmentSendComplete:
		if e, ok := r.registry[p.PacketID]; ok && !p.Ack {
			e.sendsTillCompleteForced = 0
		}
		return true
	case *packet.FragmentSendVerifyComplete:
		if e, ok := r.registry[p.PacketID]; ok {
			e.sendsTillCompleteForced = 0
			e.verifyReceived = true
		}
		return true
	case *packet.FragmentRetrySend:
		if e, ok := r.registry[p.PacketID]; ok && p.Ack {
			e.sendsTillCompleteForced = r.opts.EmptySendsTillForced + 1
		}
		return true
	default:
		return false
	}
}

// PollOutbound returns control packets to emit: queued Allocation
// responses, one "next" packet per active entry, and any queued
// SendStop from Delete.
func (r *Receiver) PollOutbound() []packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []packet.Packet
	out = append(out, r.allocations...)
	r.allocations = nil

	for _, id := range r.forceStop {
		out = append(out, packet.NewFragmentSendStop(id))
	}
	r.forceStop = nil

	var toFinish []int32
	for id, e := range r.registry {
		if pkt := e.nextOutbound(r.opts); pkt != nil {
			out = append(out, pkt)
			if sc, ok := pkt.(*packet.FragmentSendComplete); ok && sc.Ack {
				toFinish = append(toFinish, id)
			}
		}
		if e.consumeReady(r.opts) {
			r.consume(e)
		}
	}
	for _, id := range toFinish {
		delete(r.registry, id)
		r.postFinished(id)
	}
	return out
}

// consume decodes a fully-reassembled entry. A codec failure here must
// not corrupt the engine (spec.md §7): the entry is still marked
// consumed so it isn't retried, the failure is logged at Error, and
// OnDecodeError (if set) is told out-of-band — the peer is never
// informed, since from its perspective the transfer already succeeded.
func (r *Receiver) consume(e *receiverEntry) {
	e.consumed = true
	body := e.concatenate()
	pkt, err := r.loader.Read(bytes.NewReader(body), r.factory, nil)
	if err == nil && pkt == nil {
		err = fmt.Errorf("fragment: packet-id %d: %w", e.packetID, packet.ErrInvalidPacket)
	}
	if err != nil {
		logging.Error("fragment: reassembled packet failed to decode",
			zap.Int32("packetID", e.packetID), zap.Error(err))
		if r.OnDecodeError != nil {
			r.OnDecodeError(e.packetID, err)
		}
		return
	}
	r.outputMu.Lock()
	r.output = append(r.output, pkt)
	r.outputMu.Unlock()
	r.outputCond.Broadcast()
}

// Delete schedules a SendStop for the peer and drops the entry.
func (r *Receiver) Delete(packetID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registry[packetID]; ok {
		delete(r.registry, packetID)
		r.forceStop = append(r.forceStop, packetID)
	}
}

func (r *Receiver) postFinished(packetID int32) {
	r.finishedMu.Lock()
	r.finishedIDs = append(r.finishedIDs, packetID)
	r.finishedMu.Unlock()
}

// PollFinished is the non-blocking report of just-completed packet-ids;
// it drains and returns the whole backlog.
func (r *Receiver) PollFinished() []int32 {
	r.finishedMu.Lock()
	defer r.finishedMu.Unlock()
	out := r.finishedIDs
	r.finishedIDs = nil
	return out
}

// ReceiveReady is the non-blocking variant of RecvBlocking: it drains and
// returns whatever reconstructed packets are ready without waiting.
func (r *Receiver) ReceiveReady() []packet.Packet {
	r.outputMu.Lock()
	defer r.outputMu.Unlock()
	out := r.output
	r.output = nil
	return out
}

// RecvBlocking blocks until at least one reconstructed packet is ready,
// or the Receiver is closed (second return false).
func (r *Receiver) RecvBlocking() ([]packet.Packet, bool) {
	r.outputMu.Lock()
	defer r.outputMu.Unlock()
	for len(r.output) == 0 && !r.closed {
		r.outputCond.Wait()
	}
	if len(r.output) == 0 {
		return nil, false
	}
	out := r.output
	r.output = nil
	return out, true
}

// PollRecv is an alias of ReceiveReady kept for symmetry with the
// sender's PollFinished naming (spec.md §4.6 contract table).
func (r *Receiver) PollRecv() []packet.Packet { return r.ReceiveReady() }

// Close unblocks every waiter on RecvBlocking and clears all registries
// and queues (spec.md §5 "Close/teardown").
func (r *Receiver) Close() {
	r.mu.Lock()
	r.registry = make(map[int32]*receiverEntry)
	r.allocations = nil
	r.forceStop = nil
	r.mu.Unlock()

	r.finishedMu.Lock()
	r.finishedIDs = nil
	r.finishedMu.Unlock()

	r.outputMu.Lock()
	r.output = nil
	r.closed = true
	r.outputMu.Unlock()
	r.outputCond.Broadcast()
}
