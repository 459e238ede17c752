package link

import (
	"sync"

	"github.com/dronelink/dronelink/packet"
	"github.com/juju/errors"
	"github.com/temoto/spq"
)

// maxCriticalAttempts counts the original write plus one retry.
const maxCriticalAttempts = 2

// outbox keeps critical packets waiting for reconnection in order.
// Item layout: failed attempts byte, encoded packet.
type outbox struct {
	q       *spq.Queue
	mu      sync.Mutex
	pending int
}

func openOutbox(path string) (*outbox, error) {
	if path == "" {
		path = spq.OnlyForTesting
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "outbox open path=%q", path)
	}
	return &outbox{q: q}, nil
}

func (o *outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

func (o *outbox) push(failures int, p *packet.Packet) error {
	b := make([]byte, 1, 1+p.Size())
	b[0] = byte(failures)
	b, err := packet.AppendEncode(b, p)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err = o.q.Push(b); err != nil {
		return errors.Annotate(err, "outbox push")
	}
	o.pending++
	return nil
}

// peek blocks until an item is available or outbox is closed.
func (o *outbox) peek() (spq.Box, int, *packet.Packet, error) {
	box, err := o.q.Peek()
	if err != nil {
		return box, 0, nil, err
	}
	raw := box.Bytes()
	if len(raw) < 2 {
		return box, 0, nil, errors.Errorf("outbox item length=%d", len(raw))
	}
	p, _, err := packet.Decode(raw[1:])
	return box, int(raw[0]), p, err
}

func (o *outbox) remove(box spq.Box) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	// items left from previous process are not counted
	if o.pending > 0 {
		o.pending--
	}
	return o.q.Delete(box)
}

func (o *outbox) Close() error { return o.q.Close() }
