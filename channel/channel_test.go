package channel

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sipstack/core/resolver"
	"github.com/sipstack/core/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventuallyTimeout = time.Second
	eventuallyTick    = 10 * time.Millisecond
)

type fakeResolver struct {
	targets []resolver.Target
	err     error
}

func (f *fakeResolver) Resolve(ctx context.Context, network, host string, port int) ([]resolver.Target, error) {
	return f.targets, f.err
}

type fakeConn struct {
	closed bool
	sent   []sip.Message
}

func (c *fakeConn) LocalAddr() net.Addr              { return &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5060} }
func (c *fakeConn) WriteMsg(msg sip.Message) error    { c.sent = append(c.sent, msg); return nil }
func (c *fakeConn) Ref(i int) int                     { return 1 }
func (c *fakeConn) TryClose() (int, error)            { c.closed = true; return 0, nil }
func (c *fakeConn) Close() error                      { c.closed = true; return nil }

func TestChannelResolveConnectReady(t *testing.T) {
	res := &fakeResolver{targets: []resolver.Target{{IP: net.ParseIP("1.2.3.4"), Port: 5060, Transport: "udp"}}}
	conn := &fakeConn{}
	c := New("udp", "example.com", 5060, res, func(ctx context.Context, target resolver.Target) (sip.Connection, error) {
		return conn, nil
	})

	assert.Equal(t, Init, c.State())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Ready, c.State())
}

func TestChannelResolveEmptyGoesError(t *testing.T) {
	res := &fakeResolver{targets: nil}
	c := New("udp", "example.com", 5060, res, func(ctx context.Context, target resolver.Target) (sip.Connection, error) {
		t.Fatal("connect must not be called when resolve found nothing")
		return nil, nil
	})

	err := c.Resolve(context.Background())
	require.Error(t, err)
	assert.Equal(t, Error, c.State())
}

func TestChannelTCPRetriesNextAddrinfo(t *testing.T) {
	res := &fakeResolver{targets: []resolver.Target{
		{IP: net.ParseIP("1.1.1.1"), Port: 5060, Transport: "tcp"},
		{IP: net.ParseIP("2.2.2.2"), Port: 5060, Transport: "tcp"},
	}}
	conn := &fakeConn{}
	attempts := 0
	c := New("tcp", "example.com", 5060, res, func(ctx context.Context, target resolver.Target) (sip.Connection, error) {
		attempts++
		if target.IP.Equal(net.ParseIP("1.1.1.1")) {
			return nil, errors.New("refused")
		}
		return conn, nil
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Ready, c.State())
	assert.Equal(t, 2, attempts)
}

func TestChannelTCPExhaustsToError(t *testing.T) {
	res := &fakeResolver{targets: []resolver.Target{
		{IP: net.ParseIP("1.1.1.1"), Port: 5060, Transport: "tcp"},
	}}
	c := New("tcp", "example.com", 5060, res, func(ctx context.Context, target resolver.Target) (sip.Connection, error) {
		return nil, errors.New("refused")
	})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Error, c.State())
}

func TestChannelSendQueuesUntilReady(t *testing.T) {
	res := &fakeResolver{targets: []resolver.Target{{IP: net.ParseIP("1.2.3.4"), Port: 5060, Transport: "udp"}}}
	conn := &fakeConn{}
	c := New("udp", "example.com", 5060, res, func(ctx context.Context, target resolver.Target) (sip.Connection, error) {
		return conn, nil
	})

	req := sip.NewRequest(sip.OPTIONS, sip.Uri{Host: "example.com"})
	require.NoError(t, c.Send(context.Background(), req))

	// Send triggers async connect; once READY, queued message must land.
	require.Eventually(t, func() bool {
		return c.State() == Ready && len(conn.sent) == 1
	}, eventuallyTimeout, eventuallyTick)
}

func TestChannelNotifyTimeoutIgnoresFreshActivity(t *testing.T) {
	res := &fakeResolver{targets: []resolver.Target{{IP: net.ParseIP("1.2.3.4"), Port: 5060, Transport: "udp"}}}
	conn := &fakeConn{}
	c := New("udp", "example.com", 5060, res, func(ctx context.Context, target resolver.Target) (sip.Connection, error) {
		return conn, nil
	})
	require.NoError(t, c.Connect(context.Background()))

	c.NotifyTimeout()
	assert.Equal(t, Ready, c.State())
}

func TestChannelClose(t *testing.T) {
	res := &fakeResolver{targets: []resolver.Target{{IP: net.ParseIP("1.2.3.4"), Port: 5060, Transport: "udp"}}}
	conn := &fakeConn{}
	c := New("udp", "example.com", 5060, res, func(ctx context.Context, target resolver.Target) (sip.Connection, error) {
		return conn, nil
	})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	assert.Equal(t, Disconnected, c.State())
	assert.True(t, conn.closed)
}
