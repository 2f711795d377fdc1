package probe

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// cancelReadDeadline expires conn's read deadline when ctx is cancelled so a
// blocked read returns immediately instead of waiting out the probe timeout.
// The returned stop releases the watcher.
func cancelReadDeadline(ctx context.Context, conn readDeadliner) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// latencyICMP sends one echo request and waits for the matching reply.
// Requires raw-socket privileges; a permission error is an ordinary probe
// failure for the caller.
func latencyICMP(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return 0, classify(ctx, err)
	}
	if len(ips) == 0 {
		return 0, fmt.Errorf("no addresses for %s", host)
	}
	ip := ips[0]

	network := "ip4:icmp"
	proto := 1
	echoType := icmp.Type(ipv4.ICMPTypeEcho)
	replyType := icmp.Type(ipv4.ICMPTypeEchoReply)
	if ip.To4() == nil {
		network = "ip6:ipv6-icmp"
		proto = 58
		echoType = icmp.Type(ipv6.ICMPTypeEchoRequest)
		replyType = icmp.Type(ipv6.ICMPTypeEchoReply)
	}

	conn, err := icmp.ListenPacket(network, "")
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	id := rand.Intn(0xffff)
	seq := rand.Intn(0xffff)
	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: []byte("getmyspeed"),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	// Cancellation carries no deadline of its own, so expire the read
	// deadline the moment ctx fires to unblock ReadFrom.
	stop := cancelReadDeadline(ctx, conn)
	defer stop()

	dst := &net.IPAddr{IP: ip}
	start := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return 0, classify(ctx, err)
	}

	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, classify(ctx, err)
		}
		if addr, ok := peer.(*net.IPAddr); ok && addr.IP != nil && !addr.IP.Equal(ip) {
			continue
		}
		parsed, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			continue
		}
		if parsed.Type != replyType {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		if echo.ID == id && echo.Seq == seq {
			return time.Since(start), nil
		}
	}
}
