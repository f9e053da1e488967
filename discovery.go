package onvif

import (
	"context"
	"net"
	"time"

	"github.com/juju/errors"
	"golang.org/x/net/ipv4"
)

// multicastTTL keeps probes inside the local broadcast domain.
const multicastTTL = 2

// Discover sends one WS-Discovery Probe to the multicast group and
// collects replies until the timeout elapses. Replies are deduplicated
// by device identifier (first reply wins); datagrams that fail to
// parse are dropped silently. Zero replies is not an error.
//
// The returned error is non-nil only when the transport itself cannot
// bind or send, or when ctx is canceled before the window closes.
// Devices collected before cancellation are still returned.
func Discover(ctx context.Context, options *DiscoveryOptions) ([]Device, error) {
	if options == nil {
		options = &DiscoveryOptions{}
	}
	timeout := options.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	multicastAddr := options.MulticastAddr
	if multicastAddr == "" {
		multicastAddr = DefaultMulticastAddr
	}

	addr, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		return nil, errors.Annotate(err, "resolving multicast address")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, errors.Annotate(err, "binding discovery socket")
	}
	defer conn.Close()

	if addr.IP.IsMulticast() {
		_ = ipv4.NewPacketConn(conn).SetMulticastTTL(multicastTTL)
	}

	probe, err := BuildRequest(KindDiscovery, RequestParams{})
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.Annotate(err, "setting listen window")
	}

	// Cancellation closes out the read deadline so the loop below
	// returns whatever it has collected so far.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteToUDP([]byte(probe), addr); err != nil {
		return nil, errors.Annotate(err, "sending probe")
	}
	log.Debug().Str("group", multicastAddr).Dur("timeout", timeout).
		Msg("broadcasting discovery probe")

	seen := make(map[string]bool)
	var devices []Device
	buffer := make([]byte, 65536)

	for {
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				break
			}
			continue
		}

		ex, err := Parse(KindDiscovery, buffer[:n])
		if err != nil {
			// One bad reply never fails the whole discovery.
			log.Debug().Str("from", from.String()).Err(err).Msg("dropping discovery reply")
			continue
		}

		for _, dev := range ex.Devices {
			if seen[dev.ID] {
				continue
			}
			seen[dev.ID] = true
			devices = append(devices, dev)
			log.Debug().Str("id", dev.ID).Str("addr", dev.Address).Msg("found device")
		}
	}

	return devices, ctx.Err()
}
