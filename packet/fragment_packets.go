package packet

import (
	"github.com/google/uuid"
	"github.com/nimblewire/fragproto/wire"
)

// Fragment control and payload packets all carry major tag 254 (spec.md §3).
const fragmentMajor = 254

var (
	TagFragmentAllocate           = wire.NewTag(fragmentMajor, 1)
	TagFragmentAllocation         = wire.NewTag(fragmentMajor, 2)
	TagFragmentMessage            = wire.NewTag(fragmentMajor, 3)
	TagFragmentMessageResponse    = wire.NewTag(fragmentMajor, 4)
	TagFragmentSendComplete       = wire.NewTag(fragmentMajor, 5)
	TagFragmentRetrySend          = wire.NewTag(fragmentMajor, 6)
	TagFragmentSendStop           = wire.NewTag(fragmentMajor, 7)
	TagFragmentSendVerifyComplete = wire.NewTag(fragmentMajor, 8)
)

// FragmentAllocate requests a packet-id for a new outbound message,
// identified pre-handshake by a freshly chosen allocation-uuid. Payload:
// fragment-count[4] ∥ uuid[16].
type FragmentAllocate struct {
	FragmentCount  int32
	AllocationUUID uuid.UUID
	set            bool
}

// NewFragmentAllocate constructs a valid FragmentAllocate.
func NewFragmentAllocate(fragmentCount int32, allocationUUID uuid.UUID) *FragmentAllocate {
	return &FragmentAllocate{FragmentCount: fragmentCount, AllocationUUID: allocationUUID, set: true}
}

func (p *FragmentAllocate) Tag() wire.Tag { return TagFragmentAllocate }

func (p *FragmentAllocate) Valid() bool {
	return p.set && p.FragmentCount >= 1
}

func (p *FragmentAllocate) SavePayload() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPacket
	}
	buf := make([]byte, 20)
	wire.PutInt32(buf[0:4], p.FragmentCount)
	copy(buf[4:20], p.AllocationUUID[:])
	return buf, nil
}

func (p *FragmentAllocate) LoadPayload(data []byte) error {
	if len(data) != 20 {
		return ErrWrongLength
	}
	p.FragmentCount = wire.Int32(data[0:4])
	copy(p.AllocationUUID[:], data[4:20])
	p.set = true
	return nil
}

// FragmentAllocation answers a FragmentAllocate with the packet-id the
// receiver assigned (or success=false if none was available). Payload:
// packet-id[4] ∥ success[1] ∥ uuid[16].
type FragmentAllocation struct {
	PacketID       int32
	AllocationUUID uuid.UUID
	Success        bool
	set            bool
}

func NewFragmentAllocation(packetID int32, allocationUUID uuid.UUID, success bool) *FragmentAllocation {
	return &FragmentAllocation{PacketID: packetID, AllocationUUID: allocationUUID, Success: success, set: true}
}

func (p *FragmentAllocation) Tag() wire.Tag { return TagFragmentAllocation }

func (p *FragmentAllocation) Valid() bool {
	return p.set && p.PacketID >= 0
}

func (p *FragmentAllocation) SavePayload() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPacket
	}
	buf := make([]byte, 21)
	wire.PutInt32(buf[0:4], p.PacketID)
	buf[4] = wire.PutBool(p.Success)
	copy(buf[5:21], p.AllocationUUID[:])
	return buf, nil
}

func (p *FragmentAllocation) LoadPayload(data []byte) error {
	if len(data) != 21 {
		return ErrWrongLength
	}
	p.PacketID = wire.Int32(data[0:4])
	success, ok := wire.Bool(data[4])
	if !ok {
		p.set = false
		return nil
	}
	p.Success = success
	copy(p.AllocationUUID[:], data[5:21])
	p.set = true
	return nil
}

// FragmentMessage carries one non-empty fragment of the serialized inner
// packet. Payload: packet-id[4] ∥ fragment-id[4] ∥ body[*].
type FragmentMessage struct {
	PacketID   int32
	FragmentID int32
	Body       []byte
	set        bool
}

func NewFragmentMessage(packetID, fragmentID int32, body []byte) *FragmentMessage {
	return &FragmentMessage{PacketID: packetID, FragmentID: fragmentID, Body: body, set: true}
}

func (p *FragmentMessage) Tag() wire.Tag { return TagFragmentMessage }

func (p *FragmentMessage) Valid() bool {
	return p.set && p.PacketID >= 0 && p.FragmentID >= 0 && len(p.Body) > 0
}

func (p *FragmentMessage) SavePayload() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPacket
	}
	buf := make([]byte, 8+len(p.Body))
	wire.PutInt32(buf[0:4], p.PacketID)
	wire.PutInt32(buf[4:8], p.FragmentID)
	copy(buf[8:], p.Body)
	return buf, nil
}

func (p *FragmentMessage) LoadPayload(data []byte) error {
	if len(data) < 9 {
		return ErrWrongLength
	}
	p.PacketID = wire.Int32(data[0:4])
	p.FragmentID = wire.Int32(data[4:8])
	p.Body = append([]byte(nil), data[8:]...)
	p.set = true
	return nil
}

// FragmentMessageResponse acknowledges a FragmentMessage, optionally
// echoing the fragment body for end-to-end verification (spec.md §4.5).
// The body may be empty when verification is not in use. Payload:
// packet-id[4] ∥ fragment-id[4] ∥ body[*].
type FragmentMessageResponse struct {
	PacketID   int32
	FragmentID int32
	Body       []byte
	set        bool
}

func NewFragmentMessageResponse(packetID, fragmentID int32, body []byte) *FragmentMessageResponse {
	return &FragmentMessageResponse{PacketID: packetID, FragmentID: fragmentID, Body: body, set: true}
}

func (p *FragmentMessageResponse) Tag() wire.Tag { return TagFragmentMessageResponse }

func (p *FragmentMessageResponse) Valid() bool {
	return p.set && p.PacketID >= 0 && p.FragmentID >= 0
}

func (p *FragmentMessageResponse) SavePayload() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPacket
	}
	buf := make([]byte, 8+len(p.Body))
	wire.PutInt32(buf[0:4], p.PacketID)
	wire.PutInt32(buf[4:8], p.FragmentID)
	copy(buf[8:], p.Body)
	return buf, nil
}

func (p *FragmentMessageResponse) LoadPayload(data []byte) error {
	if len(data) < 8 {
		return ErrWrongLength
	}
	p.PacketID = wire.Int32(data[0:4])
	p.FragmentID = wire.Int32(data[4:8])
	p.Body = append([]byte(nil), data[8:]...)
	p.set = true
	return nil
}

// ackPacket is the shared shape of FragmentSendComplete and
// FragmentRetrySend: packet-id[4] ∥ ack[1].
type ackPacket struct {
	PacketID int32
	Ack      bool
	set      bool
}

func (p *ackPacket) valid() bool {
	return p.set && p.PacketID >= 0
}

func (p *ackPacket) save() ([]byte, error) {
	if !p.valid() {
		return nil, ErrInvalidPacket
	}
	buf := make([]byte, 5)
	wire.PutInt32(buf[0:4], p.PacketID)
	buf[4] = wire.PutBool(p.Ack)
	return buf, nil
}

func (p *ackPacket) load(data []byte) error {
	if len(data) != 5 {
		return ErrWrongLength
	}
	p.PacketID = wire.Int32(data[0:4])
	ack, ok := wire.Bool(data[4])
	if !ok {
		p.set = false
		return nil
	}
	p.Ack = ack
	p.set = true
	return nil
}

// FragmentSendComplete announces (or, with Ack=true, confirms) that the
// sender/receiver considers a message's fragment transfer finished.
type FragmentSendComplete struct{ ackPacket }

func NewFragmentSendComplete(packetID int32, ack bool) *FragmentSendComplete {
	return &FragmentSendComplete{ackPacket{PacketID: packetID, Ack: ack, set: true}}
}

func (p *FragmentSendComplete) Tag() wire.Tag            { return TagFragmentSendComplete }
func (p *FragmentSendComplete) Valid() bool               { return p.valid() }
func (p *FragmentSendComplete) SavePayload() ([]byte, error) { return p.save() }
func (p *FragmentSendComplete) LoadPayload(data []byte) error { return p.load(data) }

// FragmentRetrySend asks the sender to re-emit outstanding fragments for a
// message (Ack=false), or, sent by the sender, marks the start of a
// resend pass (Ack=true).
type FragmentRetrySend struct{ ackPacket }

func NewFragmentRetrySend(packetID int32, ack bool) *FragmentRetrySend {
	return &FragmentRetrySend{ackPacket{PacketID: packetID, Ack: ack, set: true}}
}

func (p *FragmentRetrySend) Tag() wire.Tag            { return TagFragmentRetrySend }
func (p *FragmentRetrySend) Valid() bool               { return p.valid() }
func (p *FragmentRetrySend) SavePayload() ([]byte, error) { return p.save() }
func (p *FragmentRetrySend) LoadPayload(data []byte) error { return p.load(data) }

// packetIDOnlyPacket is the shared shape of FragmentSendStop and
// FragmentSendVerifyComplete: packet-id[4].
type packetIDOnlyPacket struct {
	PacketID int32
	set      bool
}

func (p *packetIDOnlyPacket) valid() bool {
	return p.set && p.PacketID >= 0
}

func (p *packetIDOnlyPacket) save() ([]byte, error) {
	if !p.valid() {
		return nil, ErrInvalidPacket
	}
	buf := make([]byte, 4)
	wire.PutInt32(buf, p.PacketID)
	return buf, nil
}

func (p *packetIDOnlyPacket) load(data []byte) error {
	if len(data) != 4 {
		return ErrWrongLength
	}
	p.PacketID = wire.Int32(data)
	p.set = true
	return nil
}

// FragmentSendStop cancels an in-progress message transfer.
type FragmentSendStop struct{ packetIDOnlyPacket }

func NewFragmentSendStop(packetID int32) *FragmentSendStop {
	return &FragmentSendStop{packetIDOnlyPacket{PacketID: packetID, set: true}}
}

func (p *FragmentSendStop) Tag() wire.Tag            { return TagFragmentSendStop }
func (p *FragmentSendStop) Valid() bool               { return p.valid() }
func (p *FragmentSendStop) SavePayload() ([]byte, error) { return p.save() }
func (p *FragmentSendStop) LoadPayload(data []byte) error { return p.load(data) }

// FragmentSendVerifyComplete terminates the equality-verification resend
// loop (spec.md §4.5, §9): assigned the stable tag (254, 8).
type FragmentSendVerifyComplete struct{ packetIDOnlyPacket }

func NewFragmentSendVerifyComplete(packetID int32) *FragmentSendVerifyComplete {
	return &FragmentSendVerifyComplete{packetIDOnlyPacket{PacketID: packetID, set: true}}
}

func (p *FragmentSendVerifyComplete) Tag() wire.Tag            { return TagFragmentSendVerifyComplete }
func (p *FragmentSendVerifyComplete) Valid() bool               { return p.valid() }
func (p *FragmentSendVerifyComplete) SavePayload() ([]byte, error) { return p.save() }
func (p *FragmentSendVerifyComplete) LoadPayload(data []byte) error { return p.load(data) }
