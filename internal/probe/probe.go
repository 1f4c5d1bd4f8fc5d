package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/measure"
	"github.com/NodePath81/netspector/internal/resolver"
	"github.com/NodePath81/netspector/internal/util"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
	readBufferSize   = 1500
)

var echoPayload = []byte("netspector")

// ICMPPinger sends one ICMP echo request per Ping call. Raw sockets are used
// when privileged, otherwise the kernel's datagram ICMP sockets.
type ICMPPinger struct {
	resolver   *resolver.Resolver
	privileged bool
	id         int
	seq        uint32
	logger     util.Logger
}

func NewICMPPinger(cfg config.PingConfig, res *resolver.Resolver, logger util.Logger) *ICMPPinger {
	if res == nil {
		res = resolver.NewResolver(config.DNSConfig{})
	}
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &ICMPPinger{
		resolver:   res,
		privileged: util.BoolValue(cfg.Privileged, defaultPrivileged()),
		id:         rand.Intn(0xffff),
		logger:     logger,
	}
}

// Privileged reports whether raw ICMP sockets are in use.
func (p *ICMPPinger) Privileged() bool {
	return p.privileged
}

type echoNetwork struct {
	network   string
	listen    string
	proto     int
	echoType  icmp.Type
	replyType icmp.Type
	datagram  bool
}

func networkFor(ip net.IP, privileged bool) echoNetwork {
	if ip.To4() != nil {
		n := echoNetwork{
			network:   "ip4:icmp",
			listen:    "0.0.0.0",
			proto:     protocolICMP,
			echoType:  ipv4.ICMPTypeEcho,
			replyType: ipv4.ICMPTypeEchoReply,
		}
		if !privileged {
			n.network = "udp4"
			n.datagram = true
		}
		return n
	}
	n := echoNetwork{
		network:   "ip6:ipv6-icmp",
		listen:    "::",
		proto:     protocolIPv6ICMP,
		echoType:  ipv6.ICMPTypeEchoRequest,
		replyType: ipv6.ICMPTypeEchoReply,
	}
	if !privileged {
		n.network = "udp6"
		n.datagram = true
	}
	return n
}

func (n echoNetwork) destination(ip net.IP) net.Addr {
	if n.datagram {
		return &net.UDPAddr{IP: ip}
	}
	return &net.IPAddr{IP: ip}
}

// Ping resolves target and measures one echo round trip. A reply that does
// not arrive within timeout yields measure.ErrNoResponse.
func (p *ICMPPinger) Ping(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = measure.DefaultProbeTimeout
	}
	ip, err := p.resolver.Resolve(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", target, err)
	}
	n := networkFor(ip, p.privileged)
	conn, err := icmp.ListenPacket(n.network, n.listen)
	if err != nil {
		return 0, fmt.Errorf("open %s socket: %w", n.network, err)
	}
	defer conn.Close()

	// The timeout deadline goes in first so a cancellation can only shorten it.
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	seq := int(uint16(atomic.AddUint32(&p.seq, 1)))
	return sendPing(ctx, conn, n, ip, p.id, seq)
}

// sendPing writes one echo request and waits for its reply until the
// connection's read deadline.
func sendPing(ctx context.Context, conn *icmp.PacketConn, n echoNetwork, ip net.IP, id, seq int) (time.Duration, error) {
	msg := icmp.Message{
		Type: n.echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: echoPayload,
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if _, err := conn.WriteTo(payload, n.destination(ip)); err != nil {
		return 0, fmt.Errorf("send echo: %w", err)
	}

	buf := make([]byte, readBufferSize)
	for {
		size, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, measure.ErrNoResponse
			}
			return 0, err
		}
		if !fromTarget(peer, ip) {
			continue
		}
		parsed, err := icmp.ParseMessage(n.proto, buf[:size])
		if err != nil {
			continue
		}
		// Datagram sockets rewrite the echo identifier to the local port.
		if matchReply(parsed, n.replyType, id, seq, !n.datagram) {
			return time.Since(start), nil
		}
	}
}

func fromTarget(peer net.Addr, ip net.IP) bool {
	var peerIP net.IP
	switch addr := peer.(type) {
	case *net.IPAddr:
		peerIP = addr.IP
	case *net.UDPAddr:
		peerIP = addr.IP
	}
	return peerIP == nil || peerIP.Equal(ip)
}

func matchReply(msg *icmp.Message, replyType icmp.Type, id, seq int, checkID bool) bool {
	if msg == nil || msg.Type != replyType {
		return false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return false
	}
	if checkID && echo.ID != id {
		return false
	}
	return echo.Seq == seq
}
