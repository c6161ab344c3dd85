package fragment

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nimblewire/fragproto/internal/logging"
	"github.com/nimblewire/fragproto/packet"
	"go.uber.org/zap"
)

// ErrInvalidInput is returned for caller-supplied arguments that violate a
// precondition (spec.md §7 "invalid-input").
var ErrInvalidInput = fmt.Errorf("fragment: invalid input")

type sendPhase int

const (
	phaseAllocating sendPhase = iota
	phasePrimarySend
	phaseResending
	phaseCompleted
)

type pendingAllocation struct {
	uuid          uuid.UUID
	body          []byte
	fragmentCount int32
}

type senderEntry struct {
	packetID       int32
	allocationUUID uuid.UUID
	fragments      [][]byte
	pending        *bitset // fragment-ids not yet (equality-)acknowledged
	pendingCount   int

	phase         sendPhase
	primaryCursor int32

	markerPending bool // a RetrySend(ack=true) marker must be sent before resuming scanning
	resendOrder   []int32
	resendIdx     int

	forceStop bool
}

func newSenderEntry(packetID int32, allocUUID uuid.UUID, body []byte, splitSize int) *senderEntry {
	fragments := splitBody(body, splitSize)
	pending := newBitset(len(fragments))
	for i := range fragments {
		pending.set(i, true)
	}
	return &senderEntry{
		packetID:       packetID,
		allocationUUID: allocUUID,
		fragments:      fragments,
		pending:        pending,
		pendingCount:   len(fragments),
		phase:          phasePrimarySend,
	}
}

func (e *senderEntry) ack(id int32) {
	if e.pending.get(int(id)) {
		e.pending.set(int(id), false)
		e.pendingCount--
	}
}

// triggerSignalResend handles a peer's RetrySend(ack=false): re-enter the
// resend loop regardless of current phase, first emitting the
// RetrySend(ack=true) marker (spec.md §4.5).
func (e *senderEntry) triggerSignalResend() {
	e.phase = phaseResending
	e.markerPending = true
	e.resendOrder = e.pendingOrder()
	e.resendIdx = 0
}

// nextOutbound runs one step of the per-message state machine and
// returns the single packet to emit for this entry this poll, or nil.
func (e *senderEntry) nextOutbound(opts Options) packet.Packet {
	switch e.phase {
	case phasePrimarySend:
		if e.primaryCursor < int32(len(e.fragments)) {
			id := e.primaryCursor
			e.primaryCursor++
			return packet.NewFragmentMessage(e.packetID, id, e.fragments[id])
		}
		if opts.EqualityVerifyFragments && !e.forceStop {
			e.phase = phaseResending
			e.resendOrder = nil
			e.resendIdx = 0
		} else {
			e.phase = phaseCompleted
			return e.completedPacket(opts)
		}
		fallthrough
	case phaseResending:
		if e.markerPending {
			e.markerPending = false
			return packet.NewFragmentRetrySend(e.packetID, true)
		}
		return e.scanResend(opts)
	case phaseCompleted:
		return e.completedPacket(opts)
	default:
		return nil
	}
}

func (e *senderEntry) scanResend(opts Options) packet.Packet {
	for {
		if e.resendOrder == nil || e.resendIdx >= len(e.resendOrder) {
			if e.pendingCount == 0 {
				e.phase = phaseCompleted
				return e.completedPacket(opts)
			}
			if opts.EqualityVerifyFragments && !e.forceStop {
				e.resendOrder = e.pendingOrder()
				e.resendIdx = 0
				continue
			}
			e.phase = phaseCompleted
			return e.completedPacket(opts)
		}
		id := e.resendOrder[e.resendIdx]
		e.resendIdx++
		if !e.pending.get(int(id)) {
			continue // acknowledged since the scan order was built
		}
		return packet.NewFragmentMessage(e.packetID, id, e.fragments[id])
	}
}

func (e *senderEntry) pendingOrder() []int32 {
	indices := e.pending.indices()
	out := make([]int32, len(indices))
	for i, idx := range indices {
		out[i] = int32(idx)
	}
	return out
}

func (e *senderEntry) completedPacket(opts Options) packet.Packet {
	if opts.EqualityVerifyFragments && e.pendingCount == 0 {
		return packet.NewFragmentSendVerifyComplete(e.packetID)
	}
	return packet.NewFragmentSendComplete(e.packetID, false)
}

// Sender splits submitted packets into fragments and drives their
// delivery. The zero value is not usable; construct with NewSender.
type Sender struct {
	mu sync.Mutex

	opts Options

	allocationInputs map[uuid.UUID]*pendingAllocation
	registry         map[int32]*senderEntry

	finishedMu   sync.Mutex
	finishedCond *sync.Cond
	finishedIDs  []int32
	closed       bool

	// OnAllocated is invoked, out-of-band, the moment a submitted packet
	// is assigned a registry entry — this is the hook the external
	// marshal uses to start its own Options.MaximumFragmentAge staleness
	// timer for that packet-id (spec.md §4.7: "used by the external
	// marshal to time out stalled entries"). The Sender itself owns no
	// clock (spec.md's "no persistent retransmit timers" non-goal) and
	// never calls ForceStop on its own. Runs synchronously with the
	// Sender's internal lock held, so it must not call back into the
	// Sender. May be left nil.
	OnAllocated func(packetID int32)
}

// NewSender constructs a Sender. opts must already be valid (call
// opts.Validate first).
func NewSender(opts Options) *Sender {
	s := &Sender{
		opts:             opts,
		allocationInputs: make(map[uuid.UUID]*pendingAllocation),
		registry:         make(map[int32]*senderEntry),
	}
	s.finishedCond = sync.NewCond(&s.finishedMu)
	return s
}

// Submit enqueues pkt's framed bytes for allocation. Non-blocking.
func (s *Sender) Submit(pkt packet.Packet) error {
	if pkt == nil {
		return fmt.Errorf("fragment: submit: %w: nil packet", ErrInvalidInput)
	}
	body, err := packet.EncodeFrame(pkt, true)
	if err != nil {
		return fmt.Errorf("fragment: submit: %w", err)
	}
	id := uuid.New()
	count := (len(body) + s.opts.FragmentationSplitSize - 1) / s.opts.FragmentationSplitSize
	if count < 1 {
		count = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocationInputs[id] = &pendingAllocation{uuid: id, body: body, fragmentCount: int32(count)}
	return nil
}

// PollOutbound returns the packets to transmit now: one FragmentAllocate
// per pending message still awaiting allocation, plus one "next" packet
// per active registry entry.
func (s *Sender) PollOutbound() []packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []packet.Packet
	for id, alloc := range s.allocationInputs {
		out = append(out, packet.NewFragmentAllocate(alloc.fragmentCount, id))
	}
	for _, e := range s.registry {
		if pkt := e.nextOutbound(s.opts); pkt != nil {
			out = append(out, pkt)
		}
	}
	return out
}

// Ingest consumes a fragment-protocol packet. The returned bool reports
// whether pkt was in fact a fragment-protocol packet.
func (s *Sender) Ingest(pkt packet.Packet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p := pkt.(type) {
	case *packet.FragmentAllocation:
		alloc, ok := s.allocationInputs[p.AllocationUUID]
		if !ok {
			return true
		}
		delete(s.allocationInputs, p.AllocationUUID)
		if !p.Success {
			logging.Debug("fragment allocation refused", zap.String("uuid", p.AllocationUUID.String()))
			return true
		}
		s.registry[p.PacketID] = newSenderEntry(p.PacketID, p.AllocationUUID, alloc.body, s.opts.FragmentationSplitSize)
		if s.OnAllocated != nil {
			s.OnAllocated(p.PacketID)
		}
		return true
	case *packet.FragmentMessageResponse:
		e, ok := s.registry[p.PacketID]
		if !ok {
			return true
		}
		orig, hasFragment := indexFragment(e.fragments, p.FragmentID)
		if !hasFragment {
			return true
		}
		if !s.opts.VerifyFragments || bytes.Equal(p.Body, orig) {
			e.ack(p.FragmentID)
		}
		return true
	case *packet.FragmentRetrySend:
		e, ok := s.registry[p.PacketID]
		if !ok {
			return true
		}
		if !p.Ack {
			e.triggerSignalResend()
		}
		return true
	case *packet.FragmentSendComplete:
		e, ok := s.registry[p.PacketID]
		if !ok {
			return true
		}
		if p.Ack {
			delete(s.registry, e.packetID)
			s.postFinished(e.packetID)
		}
		return true
	case *packet.FragmentSendStop:
		if e, ok := s.registry[p.PacketID]; ok {
			delete(s.registry, e.packetID)
			s.postFinished(e.packetID)
		}
		return true
	default:
		return false
	}
}

func indexFragment(fragments [][]byte, id int32) ([]byte, bool) {
	if id < 0 || int(id) >= len(fragments) {
		return nil, false
	}
	return fragments[id], true
}

// ForceStop breaks a registry entry out of an equality-verify resend loop
// that never converges: instead of starting another resend pass, the
// entry moves to completion once its current pass is exhausted. Intended
// for the external marshal to call once Options.MaximumFragmentAge has
// elapsed for that packet-id (spec.md §4.7).
func (s *Sender) ForceStop(packetID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.registry[packetID]; ok {
		e.forceStop = true
	}
}

// Delete purges a registry entry silently (sender-side cancellation does
// not notify the peer; spec.md §5).
func (s *Sender) Delete(packetID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registry, packetID)
}

// ClearPending drops every message still awaiting allocation.
func (s *Sender) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocationInputs = make(map[uuid.UUID]*pendingAllocation)
}

// ClearRegistry drops every active registry entry without notifying
// peers or posting to finished.
func (s *Sender) ClearRegistry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = make(map[int32]*senderEntry)
}

// ClearFinished discards any completed packet-ids not yet collected.
func (s *Sender) ClearFinished() {
	s.finishedMu.Lock()
	defer s.finishedMu.Unlock()
	s.finishedIDs = nil
}

func (s *Sender) postFinished(packetID int32) {
	s.finishedMu.Lock()
	s.finishedIDs = append(s.finishedIDs, packetID)
	s.finishedMu.Unlock()
	s.finishedCond.Broadcast()
}

// BlockOnFinished blocks until a packet-id completes, or the Sender is
// closed (second return false).
func (s *Sender) BlockOnFinished() (int32, bool) {
	s.finishedMu.Lock()
	defer s.finishedMu.Unlock()
	for len(s.finishedIDs) == 0 && !s.closed {
		s.finishedCond.Wait()
	}
	if len(s.finishedIDs) == 0 {
		return 0, false
	}
	id := s.finishedIDs[0]
	s.finishedIDs = s.finishedIDs[1:]
	return id, true
}

// finishedSentinel is returned by PollFinished when nothing is ready.
const finishedSentinel = -1

// PollFinished is the non-blocking variant of BlockOnFinished; it
// returns finishedSentinel when no packet-id is ready.
func (s *Sender) PollFinished() int32 {
	s.finishedMu.Lock()
	defer s.finishedMu.Unlock()
	if len(s.finishedIDs) == 0 {
		return finishedSentinel
	}
	id := s.finishedIDs[0]
	s.finishedIDs = s.finishedIDs[1:]
	return id
}

// Close unblocks every waiter on BlockOnFinished and clears all queues
// and registries (spec.md §5 "Close/teardown").
func (s *Sender) Close() {
	s.mu.Lock()
	s.allocationInputs = make(map[uuid.UUID]*pendingAllocation)
	s.registry = make(map[int32]*senderEntry)
	s.mu.Unlock()

	s.finishedMu.Lock()
	s.finishedIDs = nil
	s.closed = true
	s.finishedMu.Unlock()
	s.finishedCond.Broadcast()
}
