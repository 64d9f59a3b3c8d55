package replication

import (
	"fmt"
	"net"
	"time"

	"github.com/INLOpen/nexuskv/api/wire"
)

// transport sends one cluster message per connection. Nodes speak the same
// JSON-per-line protocol clients do, so a peer address is just the peer's
// serving address.
type transport struct {
	dialTimeout time.Duration
	callTimeout time.Duration
}

func newTransport(dialTimeout, callTimeout time.Duration) *transport {
	return &transport{dialTimeout: dialTimeout, callTimeout: callTimeout}
}

// call dials addr, writes req, and reads one response.
func (t *transport) call(addr string, req wire.Request) (wire.Response, error) {
	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return wire.Response{}, fmt.Errorf("failed to dial peer %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(t.callTimeout)); err != nil {
		return wire.Response{}, err
	}
	if err := wire.WriteRequest(conn, req); err != nil {
		return wire.Response{}, fmt.Errorf("failed to send %s to %s: %w", messageName(req), addr, err)
	}
	resp, err := wire.ReadResponse(wire.NewLineReader(conn))
	if err != nil {
		return wire.Response{}, fmt.Errorf("failed to read %s reply from %s: %w", messageName(req), addr, err)
	}
	return resp, nil
}

func messageName(req wire.Request) string {
	if req.Type != "" {
		return string(req.Type)
	}
	return string(req.Command)
}
