// Command fragpipe is a demo external marshal: it owns a net.Conn, a
// fragment.Sender, and a fragment.Receiver, and plays both directions of
// the fragment-delivery protocol over a real socket (spec.md §6).
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/nimblewire/fragproto/fragment"
	"github.com/nimblewire/fragproto/internal/marshaltimer"
	"github.com/nimblewire/fragproto/packet"
)

func main() {
	listen := flag.String("listen", "", "address to listen on (server mode)")
	connect := flag.String("connect", "", "address to dial (client mode)")
	message := flag.String("message", "", "payload to submit as a NetworkIdentifier once connected")
	splitSize := flag.Int("split-size", 0, "fragmentation split size in bytes (0 keeps the default)")
	flag.Parse()

	if (*listen == "") == (*connect == "") {
		log.Fatal("exactly one of -listen or -connect is required")
	}

	opts := fragment.DefaultOptions()
	if *splitSize > 0 {
		opts.FragmentationSplitSize = *splitSize
	}
	if err := opts.Validate(); err != nil {
		log.Fatalf("invalid options: %v", err)
	}

	var conn net.Conn
	var err error
	if *listen != "" {
		conn, err = acceptOne(*listen)
	} else {
		conn, err = net.Dial("tcp", *connect)
	}
	if err != nil {
		log.Fatalf("connection failed: %v", err)
	}
	defer conn.Close()

	run(conn, opts, *message)
}

func acceptOne(addr string) (net.Conn, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	log.Printf("listening on %s", addr)
	return ln.Accept()
}

// run drives one connection until it closes: a reader goroutine decodes
// frames and feeds them to both engines, a timer polls each engine's
// outbound queue, a second timer pair enforces Options.MaximumFragmentAge
// per registry entry (the staleness duty spec.md §4.7 assigns to the
// marshal, not the engines), and a loop prints whatever the receiver
// reassembles.
func run(conn net.Conn, opts fragment.Options, message string) {
	sender := fragment.NewSender(opts)
	receiver := fragment.NewReceiver(opts, packet.Factory{}, &packet.Loader{})
	defer sender.Close()
	defer receiver.Close()

	pollTimers := marshaltimer.NewManager()
	defer pollTimers.Stop()
	staleTimers := marshaltimer.NewManager()
	defer staleTimers.Stop()

	// One registry entry is born per accepted FragmentAllocate; start its
	// MaximumFragmentAge clock here, since the engines themselves own no
	// clock. senderKey/receiverKey keep the two id spaces from colliding
	// in staleTimers' single namespace.
	sender.OnAllocated = func(packetID int32) {
		staleTimers.Schedule(senderKey(packetID), opts.MaximumFragmentAge, func() {
			log.Printf("packet-id %d stale on the send side, forcing completion", packetID)
			sender.ForceStop(packetID)
		})
	}
	receiver.OnAllocated = func(packetID int32) {
		staleTimers.Schedule(receiverKey(packetID), opts.MaximumFragmentAge, func() {
			log.Printf("packet-id %d stale on the receive side, dropping", packetID)
			receiver.Delete(packetID)
		})
	}
	receiver.OnDecodeError = func(packetID int32, err error) {
		log.Printf("packet-id %d failed to decode: %v", packetID, err)
	}

	if message != "" {
		if err := sender.Submit(packet.NewNetworkIdentifier(message)); err != nil {
			log.Printf("submit failed: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		loader := &packet.Loader{}
		factory := packet.Factory{}
		for {
			pkt, err := loader.Read(conn, factory, nil)
			if err != nil {
				if err != io.EOF {
					log.Printf("read error: %v", err)
				}
				return
			}
			if pkt == nil {
				continue
			}
			sender.Ingest(pkt)
			receiver.Ingest(pkt)
		}
	}()

	// A completed entry's staleness timer is no longer needed; drain
	// both engines' finished-id backlog and cancel it.
	go func() {
		for {
			id, ok := sender.BlockOnFinished()
			if !ok {
				return
			}
			staleTimers.StopTimer(senderKey(id))
			log.Printf("packet-id %d delivered", id)
		}
	}()

	const pollKey marshaltimer.Key = 0
	pollTimers.SchedulePeriodic(pollKey, 20*time.Millisecond, func() {
		flush(conn, sender.PollOutbound())
		flush(conn, receiver.PollOutbound())
		for _, id := range receiver.PollFinished() {
			staleTimers.StopTimer(receiverKey(id))
		}
	})

	for {
		select {
		case <-done:
			return
		default:
		}
		delivered, ok := receiver.RecvBlocking()
		if !ok {
			return
		}
		for _, pkt := range delivered {
			if ni, ok := pkt.(*packet.NetworkIdentifier); ok {
				log.Printf("received: %q", ni.ID)
			} else {
				log.Printf("received: %T", pkt)
			}
		}
	}
}

// senderKey and receiverKey give the sender's and receiver's packet-ids
// disjoint slots in staleTimers' single key namespace.
func senderKey(packetID int32) marshaltimer.Key   { return marshaltimer.Key(uint64(packetID)<<1 | 1) }
func receiverKey(packetID int32) marshaltimer.Key { return marshaltimer.Key(uint64(packetID) << 1) }

func flush(conn net.Conn, pkts []packet.Packet) {
	if len(pkts) == 0 {
		return
	}
	buf := &bytes.Buffer{}
	loader := &packet.Loader{}
	for _, pkt := range pkts {
		if err := loader.Write(buf, pkt, true); err != nil {
			log.Printf("encode error: %v", err)
			return
		}
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		log.Printf("write error: %v", err)
	}
}
