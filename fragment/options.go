// Package fragment implements the two cooperating state machines that
// split a serialized packet across size-bounded FragmentMessage packets
// and reassemble it on the other side, with selective acknowledgement
// and an optional equality-verified resend loop (spec.md §4.5/§4.6).
//
// Neither engine touches a transport directly: an external "marshal"
// drives them by calling PollOutbound to learn what to write, and Ingest
// with whatever it reads, grounded on the handler/transport split in
// appnet-org-arpc's pkg/custom/reliable and pkg/transport packages.
package fragment

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfiguration is returned by Options.Validate when a field violates
// its documented bound.
var ErrConfiguration = errors.New("fragment: invalid configuration")

// Options bundles the tunables shared by Sender and Receiver (spec.md
// §4.7). The zero value is not valid; use DefaultOptions.
type Options struct {
	// MaximumFragmentAge bounds how long the external marshal should let
	// an entry sit idle before calling Sender.ForceStop or otherwise
	// tearing it down. The engines do not enforce it themselves — they
	// own no clock or timer (spec.md §5).
	MaximumFragmentAge time.Duration

	// FragmentationSplitSize is the maximum body size of one
	// FragmentMessage.
	FragmentationSplitSize int

	// EmptySendsTillForced is how many consecutive barren poll_outbound
	// cycles the receiver tolerates before forcing completion.
	EmptySendsTillForced int

	// VerifyFragments makes the receiver echo each fragment's body in its
	// MessageResponse, and the sender count a fragment as acknowledged
	// only when the echoed body equals the original byte-for-byte. Without
	// it, any MessageResponse for a fragment acknowledges it.
	VerifyFragments bool

	// EqualityVerifyFragments makes the sender, after its primary pass,
	// keep re-sending every fragment not yet acknowledged until all are
	// (or ForceStop is called), then send SendVerifyComplete; the receiver
	// holds back completion and reassembly until that arrives. The engines
	// apply it whether or not VerifyFragments is set; without
	// VerifyFragments any response body acknowledges, so the loop ends once
	// every fragment has been answered.
	EqualityVerifyFragments bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaximumFragmentAge:      30 * time.Second,
		FragmentationSplitSize:  448,
		EmptySendsTillForced:    2,
		VerifyFragments:         false,
		EqualityVerifyFragments: false,
	}
}

// Validate reports a configuration error if any bound is violated.
func (o Options) Validate() error {
	if o.MaximumFragmentAge < 2*time.Second {
		return fmt.Errorf("%w: maximumFragmentAge must be >= 2s, got %s", ErrConfiguration, o.MaximumFragmentAge)
	}
	if o.FragmentationSplitSize < 1 {
		return fmt.Errorf("%w: fragmentationSplitSize must be >= 1, got %d", ErrConfiguration, o.FragmentationSplitSize)
	}
	if o.EmptySendsTillForced < 1 {
		return fmt.Errorf("%w: emptySendsTillForced must be >= 1, got %d", ErrConfiguration, o.EmptySendsTillForced)
	}
	return nil
}

func splitBody(body []byte, splitSize int) [][]byte {
	count := (len(body) + splitSize - 1) / splitSize
	if count < 1 {
		count = 1
	}
	fragments := make([][]byte, count)
	for i := 0; i < count; i++ {
		start := i * splitSize
		end := start + splitSize
		if end > len(body) {
			end = len(body)
		}
		fragments[i] = append([]byte(nil), body[start:end]...)
	}
	return fragments
}
