package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"ptsched/internal/task"
	logx "ptsched/pkg/logx"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// ICMP sends one echo request per call and returns the round trip.
//
// It prefers an unprivileged datagram socket (Linux ping_group_range) and
// falls back to a raw socket, which needs CAP_NET_RAW.
func ICMP(host string, timeout time.Duration, log logx.Logger) task.Work {
	var seq atomic.Uint32
	id := os.Getpid() & 0xffff
	return func() float64 {
		d, err := echo(host, id, int(seq.Add(1)&0xffff), timeout)
		if err != nil {
			log.Debug("icmp probe failed", logx.String("host", host), logx.Err(err))
			return task.Invalid
		}
		return millis(d)
	}
}

func listenICMP() (*icmp.PacketConn, bool, error) {
	if c, err := icmp.ListenPacket("udp4", "0.0.0.0"); err == nil {
		return c, true, nil
	}
	c, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	return c, false, err
}

func resolve4(ctx context.Context, host string) (net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address for %s", host)
}

func echo(host string, id, seq int, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ip, err := resolve4(ctx, host)
	if err != nil {
		return 0, err
	}

	conn, dgram, err := listenICMP()
	if err != nil {
		return 0, fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("ptsched")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}
	var dst net.Addr = &net.IPAddr{IP: ip}
	if dgram {
		dst = &net.UDPAddr{IP: ip}
	}

	start := time.Now()
	if err := conn.SetDeadline(start.Add(timeout)); err != nil {
		return 0, err
	}
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, err
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			return 0, err
		}
		rm, err := icmp.ParseMessage(protocolICMP, rb[:n])
		if err != nil || rm.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		reply, ok := rm.Body.(*icmp.Echo)
		// Datagram sockets get their echo id rewritten by the kernel.
		if !ok || reply.Seq != seq || (!dgram && reply.ID != id) {
			continue
		}
		return time.Since(start), nil
	}
}
