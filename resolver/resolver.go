// Package resolver turns a SIP hop (host, optional port, transport) into a
// concrete list of candidate addresses, using the DNS records of RFC 3263:
// SRV with A/AAAA fallback (SRV), or A/AAAA only (Simple). No NAPTR query is
// made, and neither type looks at whether the port was given explicitly;
// the caller picks which resolver a hop goes through.
//
// Go's net.Resolver already does priority/weight ordering for SRV internally,
// but callers here need it as an explicit, inspectable step: the transport
// layer retries the next candidate on connect failure, and tests want to
// force a specific ordering without a live DNS server.
package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"time"
)

// Target is one resolved candidate. TTL is left zero by both resolvers in
// this package: net.Resolver does not report record TTLs, and no minimum
// TTL across the records used is exposed.
type Target struct {
	IP        net.IP
	Port      int
	Transport string
	TTL       time.Duration
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d/%s", t.IP, t.Port, t.Transport)
}

// Resolver resolves a SIP hop into an ordered list of Targets, highest
// preference first. Implementations must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, network string, host string, port int) ([]Target, error)
}

// Simple resolves A/AAAA records directly with net.Resolver, skipping SRV.
// Used whenever the hop carries an explicit port (RFC 3263 §4.2 step 1).
type Simple struct {
	Net *net.Resolver

	// PreferIP selects an address family when more than one is returned.
	// 0 = no preference (first returned), 1 = prefer IPv4, 2 = prefer IPv6.
	PreferIP int
}

func NewSimple(r *net.Resolver) *Simple {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Simple{Net: r}
}

func (s *Simple) Resolve(ctx context.Context, network string, host string, port int) ([]Target, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []Target{{IP: ip, Port: port, Transport: network}}, nil
	}

	addrs, err := s.Net.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %q: no addresses returned", host)
	}

	targets := make([]Target, 0, len(addrs))
	for _, a := range addrs {
		targets = append(targets, Target{IP: a.IP, Port: port, Transport: network})
	}

	if s.PreferIP != 0 {
		sort.SliceStable(targets, func(i, j int) bool {
			iMatch := s.isPreferred(targets[i].IP)
			jMatch := s.isPreferred(targets[j].IP)
			return iMatch && !jMatch
		})
	}

	return targets, nil
}

func (s *Simple) isPreferred(ip net.IP) bool {
	if s.PreferIP == 1 {
		return ip.To4() != nil
	}
	return ip.To4() == nil
}

// SRV resolves via DNS SRV records first, falling back to A/AAAA against the
// bare hostname when no SRV records exist. Election among same-priority SRV
// records follows RFC 2782 §"weight" exactly: targets are grouped by
// priority, and within a group picked by cumulative-weight random draw with
// weight-0 entries placed first, so a weight-0 entry is elected ahead of a
// weighted one only when the draw comes out 0.
type SRV struct {
	Net *net.Resolver

	// Rand drives weighted election. Tests can swap it in for a fixed seed;
	// nil uses the package-level source.
	Rand *rand.Rand

	ip *Simple
}

func NewSRV(r *net.Resolver) *SRV {
	if r == nil {
		r = net.DefaultResolver
	}
	return &SRV{Net: r, ip: NewSimple(r)}
}

// sipProto maps a SIP transport name to the proto label used in
// "_sip._<proto>.<domain>" SRV queries.
func sipProto(network string) string {
	switch network {
	case "udp", "udp4", "udp6":
		return "udp"
	case "tls":
		return "tls"
	default:
		return "tcp"
	}
}

func (s *SRV) Resolve(ctx context.Context, network string, host string, port int) ([]Target, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []Target{{IP: ip, Port: port, Transport: network}}, nil
	}

	proto := sipProto(network)
	_, srvs, err := s.Net.LookupSRV(ctx, "sip", proto, host)
	if err != nil || len(srvs) == 0 {
		return s.ip.Resolve(ctx, network, host, port)
	}

	ordered := electSRV(srvs, s.Rand)

	var targets []Target
	var minTTL time.Duration
	for i, rec := range ordered {
		ips, err := s.Net.LookupIPAddr(ctx, rec.Target)
		if err != nil {
			continue
		}
		ttl := time.Duration(rec.Weight) // SRV carries no TTL on *net.SRV; callers refresh on a fixed cadence.
		if i == 0 || ttl < minTTL {
			minTTL = ttl
		}
		for _, a := range ips {
			targets = append(targets, Target{
				IP:        a.IP,
				Port:      int(rec.Port),
				Transport: network,
			})
		}
	}

	if len(targets) == 0 {
		return s.ip.Resolve(ctx, network, host, port)
	}

	return targets, nil
}

// electSRV orders srvs by RFC 2782 priority/weight election. The input is
// mutated into priority groups and consumed group by group; within a group,
// repeated weighted draws without replacement produce the final order.
func electSRV(srvs []*net.SRV, r *rand.Rand) []*net.SRV {
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	byPriority := map[uint16][]*net.SRV{}
	var priorities []uint16
	for _, rec := range srvs {
		if _, ok := byPriority[rec.Priority]; !ok {
			priorities = append(priorities, rec.Priority)
		}
		byPriority[rec.Priority] = append(byPriority[rec.Priority], rec)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })

	var out []*net.SRV
	for _, p := range priorities {
		out = append(out, electWeighted(byPriority[p], r)...)
	}
	return out
}

// electWeighted runs RFC 2782's weighted random selection within a single
// priority group: weight-0 records are placed at the front, then a draw in
// [0, sum of weights] elects the first record whose running weight sum
// reaches it (a front weight-0 record wins only on a draw of 0), removes it,
// and repeats until the group is exhausted.
func electWeighted(group []*net.SRV, r *rand.Rand) []*net.SRV {
	remaining := append([]*net.SRV{}, group...)
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].Weight == 0 && remaining[j].Weight != 0
	})
	var out []*net.SRV

	for len(remaining) > 0 {
		total := 0
		for _, rec := range remaining {
			total += int(rec.Weight)
		}

		if total == 0 {
			// All weight-0: RFC 2782 says order among them is arbitrary.
			out = append(out, remaining...)
			break
		}

		pick := r.Intn(total + 1)
		running := 0
		idx := -1
		for i, rec := range remaining {
			running += int(rec.Weight)
			if pick <= running {
				idx = i
				break
			}
		}
		if idx < 0 {
			idx = len(remaining) - 1
		}

		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}

	return out
}
