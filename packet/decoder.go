package packet

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// Policy selects decoder behavior on malformed input.
type Policy uint8

const (
	// PolicyResync discards one byte and tries next offset.
	PolicyResync Policy = iota
	// PolicyDrop keeps the buffer, caller must drop the stream.
	PolicyDrop
)

func (p Policy) String() string {
	switch p {
	case PolicyResync:
		return "resync"
	case PolicyDrop:
		return "drop"
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "resync":
		return PolicyResync, nil
	case "drop":
		return PolicyDrop, nil
	}
	return PolicyResync, errors.NotValidf("malformed policy=%q", s)
}

// Decoder reassembles packets from arbitrary chunks of a byte stream.
// Not safe for concurrent use.
type Decoder struct {
	buf    []byte
	r      int
	limit  int
	policy Policy
	failed bool
}

// NewDecoder with limit=0 uses DefaultReadLimit.
func NewDecoder(limit int, policy Policy) *Decoder {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if limit < CoreLen {
		limit = CoreLen
	}
	return &Decoder{limit: limit, policy: policy}
}

// Write appends a copy of b to pending input. Never fails.
func (d *Decoder) Write(b []byte) (int, error) {
	if d.r > 0 && d.r >= len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.r:])
		d.buf = d.buf[:n]
		d.r = 0
	}
	d.buf = append(d.buf, b...)
	return len(b), nil
}

// Next returns next complete packet.
// ErrNeedMoreData keeps partial input for the following Write.
// On malformed input with PolicyResync exactly one byte is skipped
// so repeated calls walk forward until a valid packet aligns.
// With PolicyDrop the decoder stays failed and returns the same error.
func (d *Decoder) Next() (*Packet, error) {
	pending := d.buf[d.r:]
	p, n, err := decode(pending, d.limit)
	switch {
	case err == nil:
		d.r += n
		if d.r == len(d.buf) {
			d.buf = d.buf[:0]
			d.r = 0
		}
		return p, nil

	case err == ErrNeedMoreData:
		return nil, err

	case d.policy == PolicyResync:
		d.r++
		return nil, err

	default:
		d.failed = true
		return nil, err
	}
}

func (d *Decoder) Buffered() int  { return len(d.buf) - d.r }
func (d *Decoder) Failed() bool   { return d.failed }
func (d *Decoder) Policy() Policy { return d.policy }

func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.r = 0
	d.failed = false
}
