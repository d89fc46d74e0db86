// Package discovery is the ambient zeroconf fallback spec.md's CLI
// surface implies but never designs (SPEC_FULL.md §6.4): syncctl needs
// a way to find a running agentd on the local network without a
// hardcoded --server address. Built on github.com/pion/mdns/v2, the
// same mDNS library the pack pulls in transitively for WebRTC ICE
// candidate resolution — the query/response shape here mirrors that
// use (resolve one well-known name to an address) rather than a full
// DNS-SD/Bonjour implementation with service records, since pion/mdns
// only speaks plain A-record queries.
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/nsdrive/syncagent/backend/logging"
)

// ServiceName is the mDNS A-record name an agent advertises itself
// under and a client queries for. spec.md's "_syncagent._tcp.local."
// service-type framing is DNS-SD; pion/mdns has no SRV/TXT support, so
// this collapses to a single well-known hostname instead.
const ServiceName = "syncagentd.local."

// Advertiser keeps an mDNS responder alive for the process lifetime,
// answering queries for ServiceName with this host's address.
type Advertiser struct {
	conn *mdns.Conn
}

// Advertise starts responding to mDNS queries for ServiceName. Callers
// must Close it on shutdown.
func Advertise(log *logging.Logger) (*Advertiser, error) {
	pktConnV4, pktConnV6, err := multicastPacketConns()
	if err != nil {
		return nil, fmt.Errorf("discovery: advertise: %w", err)
	}
	conn, err := mdns.Server(pktConnV4, pktConnV6, &mdns.Config{
		LocalNames: []string{ServiceName},
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: advertise: %w", err)
	}
	log.Infof("discovery: advertising %s via mDNS", ServiceName)
	return &Advertiser{conn: conn}, nil
}

func (a *Advertiser) Close() error {
	return a.conn.Close()
}

// Discover browses the local network for a running agent within
// timeout, resolving ServiceName to a host and pairing it with port
// (the agent's RPC port is not itself discoverable over plain mDNS A
// records, so the caller supplies the port it expects agentd to be
// listening on — spec.md's own default, or one passed via --port).
func Discover(ctx context.Context, timeout time.Duration, port int) (string, error) {
	pktConnV4, pktConnV6, err := multicastPacketConns()
	if err != nil {
		return "", fmt.Errorf("discovery: browse: %w", err)
	}
	conn, err := mdns.Server(pktConnV4, pktConnV6, &mdns.Config{})
	if err != nil {
		return "", fmt.Errorf("discovery: browse: %w", err)
	}
	defer conn.Close()

	qCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, addr, err := conn.Query(qCtx, ServiceName)
	if err != nil {
		return "", fmt.Errorf("discovery: no agent found within %s: %w", timeout, err)
	}
	return formatAgentAddr(addr, port), nil
}

// multicastPacketConns opens the IPv4 and IPv6 multicast UDP sockets
// mdns.Server needs, per the library's own documented wiring (pion/mdns
// moved socket setup out of the library and into the caller).
func multicastPacketConns() (*ipv4.PacketConn, *ipv6.PacketConn, error) {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, nil, err
	}
	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return nil, nil, err
	}

	addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6)
	if err != nil {
		return nil, nil, err
	}
	l6, err := net.ListenUDP("udp6", addr6)
	if err != nil {
		return nil, nil, err
	}

	return ipv4.NewPacketConn(l4), ipv6.NewPacketConn(l6), nil
}

// formatAgentAddr joins a resolved mDNS answer address with port,
// handling both a bare-IP answer and one that already carries a port
// (kept separate from Discover so it can be unit tested without a real
// mDNS round trip).
func formatAgentAddr(addr net.Addr, port int) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}
