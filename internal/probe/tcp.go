package probe

import (
	"context"
	"net"
	"time"
)

// TCPProber measures the time to complete a TCP handshake. The connection
// is closed immediately; nothing is sent.
type TCPProber struct{}

// Probe dials t.Address and returns the connect time.
func (TCPProber) Probe(ctx context.Context, t Target) (time.Duration, error) {
	var d net.Dialer

	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	rtt := time.Since(start)
	if err != nil {
		return 0, err
	}
	conn.Close()

	return rtt, nil
}
