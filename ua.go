package sipgo

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/sipstack/core/sip"
)

// UserAgent holds the transport and transaction layers shared by every
// Client and Server built on top of it.
type UserAgent struct {
	name string
	ip   net.IP
	host string
	port int

	dnsResolver *net.Resolver
	tp          *sip.TransportLayer
	tx          *sip.TransactionLayer
}

type UserAgentOption func(s *UserAgent) error

func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

func WithIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			return err
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

func WithUDPDNSResolver(dns string) ServerOption {
	return func(s *Server) error {
		s.dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", dns)
			},
		}
		return nil
	}
}

func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	s := &UserAgent{}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if s.ip == nil {
		v, err := resolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := s.setIP(v); err != nil {
			return nil, err
		}
	}

	parser := sip.NewParser()
	s.tp = sip.NewTransportLayer(s.dnsResolver, parser, nil)
	s.tx = sip.NewTransactionLayer(s.tp)
	return s, nil
}

// resolveSelfIP finds the outbound IP the kernel would use to reach the
// public internet, without actually sending any traffic (UDP connect
// only sets up routing, no packet is transmitted).
func resolveSelfIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("resolve self ip: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// setIP sets the IP and host of the user agent
func (ua *UserAgent) setIP(ip net.IP) (err error) {
	ua.ip = ip
	ua.host = strings.Split(ip.String(), ":")[0]
	return err
}

// TransportLayer exposes the shared transport layer.
func (ua *UserAgent) TransportLayer() *sip.TransportLayer {
	return ua.tp
}

// TransactionLayer exposes the shared transaction layer.
func (ua *UserAgent) TransactionLayer() *sip.TransactionLayer {
	return ua.tx
}

func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}
