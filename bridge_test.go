package dtls_bridge

import (
	"crypto/rand"
	"math"
	"net"
	"testing"
	"time"

	"github.com/pion/transport/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, opts ServerOptions, cfg ServerConfig) *Server {
	t.Helper()

	s := NewServer(opts)
	cfg.ListenAddress = loopback()
	require.NoError(t, s.Start(cfg))
	t.Cleanup(func() { s.Shutdown() })
	return s
}

func dialTestServer(t *testing.T, s *Server, opts ClientOptions, cert ClientCertOption) *Client {
	t.Helper()

	c := NewClient(opts)
	require.NoError(t, c.Start(ClientConfig{
		RemoteAddress: s.LocalAddr().(*net.UDPAddr),
		CertOption:    cert,
	}))
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func acceptAndStart(t *testing.T, s *Server) ConnIndex {
	t.Helper()

	var index ConnIndex
	require.Eventually(t, func() bool {
		i, ok := s.Acpt()
		index = i
		return ok
	}, defaultWait, defaultTick)
	require.NoError(t, s.StartConn(index))
	return index
}

func recvOnServer(t *testing.T, s *Server) Datagram {
	t.Helper()

	var d Datagram
	require.Eventually(t, func() bool {
		var ok bool
		d, ok = s.Recv()
		return ok
	}, defaultWait, time.Millisecond)
	return d
}

func recvOnClient(t *testing.T, c *Client) []byte {
	t.Helper()

	var b []byte
	require.Eventually(t, func() bool {
		var ok bool
		b, ok = c.Recv()
		return ok
	}, defaultWait, time.Millisecond)
	return b
}

func selfSignedServer(maxClients int) ServerConfig {
	return ServerConfig{
		CertOption: SelfSignedServerCert("webrtc.rs"),
		MaxClients: maxClients,
	}
}

func TestLoopbackSelfSignedEcho(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	s := startTestServer(t, DefaultServerOptions(), selfSignedServer(4))
	c := dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())

	index := acceptAndStart(t, s)
	assert.Equal(t, ConnIndex(1), index)

	require.NoError(t, c.Send([]byte("ping")))
	assert.Equal(t, Datagram{Index: 1, Data: []byte("ping")}, recvOnServer(t, s))

	assert.Equal(t, 1, s.Broadcast([]byte("pong")))
	assert.Equal(t, []byte("pong"), recvOnClient(t, c))

	_, ok := s.TimeoutCheck()
	assert.False(t, ok)
	_, ok = c.TimeoutCheck()
	assert.False(t, ok)
	assert.NoError(t, s.HealthCheck().Err())
	assert.NoError(t, c.HealthCheck().Err())

	assert.Equal(t, 1, s.ConnectedClients())
	assert.Equal(t, []ConnIndex{1}, s.ClientIndices())
	assert.True(t, s.HasConn(1))

	info, ok := s.ConnInfo(1)
	require.True(t, ok)
	assert.True(t, info.Running)
	assert.NotEmpty(t, info.RemoteAddr)

	cinfo, ok := c.Info()
	require.True(t, ok)
	assert.Equal(t, s.LocalAddr().String(), cinfo.RemoteAddr)
}

func TestMutualTLS(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	dir := t.TempDir()
	serverKey, serverCert := writeCertPair(t, dir, "server")
	clientKey, clientCert := writeCertPair(t, dir, "client")

	s := startTestServer(t, DefaultServerOptions(), ServerConfig{
		CertOption: LoadServerCertWithClientAuth(serverKey, serverCert, clientCert),
		MaxClients: 4,
	})
	c := dialTestServer(t, s, DefaultClientOptions(),
		LoadClientCertWithClientAuth("localhost", clientKey, clientCert, serverCert))

	index := acceptAndStart(t, s)

	sent := make([][]byte, 100)
	for i := range sent {
		sent[i] = make([]byte, 16)
		_, err := rand.Read(sent[i])
		require.NoError(t, err)
		require.NoError(t, c.Send(sent[i]))
	}

	for i := range sent {
		d := recvOnServer(t, s)
		assert.Equal(t, index, d.Index)
		assert.Equal(t, sent[i], d.Data, "datagram %d", i)
		assert.Equal(t, 1, s.ConnectedClients())

		require.NoError(t, s.Send(d.Index, d.Data))
	}

	for i := range sent {
		assert.Equal(t, sent[i], recvOnClient(t, c), "echo %d", i)
	}
	assert.Equal(t, 1, s.ConnectedClients())
}

func TestMutualTLSRejectsUnknownClient(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	dir := t.TempDir()
	serverKey, serverCert := writeCertPair(t, dir, "server")
	_, clientCA := writeCertPair(t, dir, "client")
	strangerKey, strangerCert := writeCertPair(t, dir, "stranger")

	s := startTestServer(t, DefaultServerOptions(), ServerConfig{
		CertOption: LoadServerCertWithClientAuth(serverKey, serverCert, clientCA),
		MaxClients: 4,
	})

	opts := DefaultClientOptions()
	opts.HandshakeTimeout = 2 * time.Second
	c := NewClient(opts)
	err := c.Start(ClientConfig{
		RemoteAddress: s.LocalAddr().(*net.UDPAddr),
		CertOption:    LoadClientCertWithClientAuth("localhost", strangerKey, strangerCert, serverCert),
	})

	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	assert.True(t, c.IsClosed())

	// the accepter keeps serving
	_, ok := s.Acpt()
	assert.False(t, ok)
	assert.False(t, s.HealthCheck().Listener.Finished)
}

func TestServerRecvTimeout(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	opts := DefaultServerOptions()
	opts.RecvTimeout = 200 * time.Millisecond
	s := startTestServer(t, opts, selfSignedServer(4))
	dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())

	index := acceptAndStart(t, s)

	timeouts := 0
	require.Eventually(t, func() bool {
		for {
			to, ok := s.TimeoutCheck()
			if !ok {
				return timeouts >= 3
			}
			assert.Equal(t, Timeout{Kind: RecvTimeout, Index: index}, to)
			timeouts++
		}
	}, defaultWait, defaultTick)
	assert.True(t, s.HasConn(index))

	require.NoError(t, s.Disconnect(index))
	require.Eventually(t, func() bool {
		h := s.HealthCheck()
		for _, c := range h.Conns {
			if c.Index == index && c.Closed {
				return true
			}
		}
		return false
	}, defaultWait, defaultTick)

	assert.Equal(t, 0, s.ConnectedClients())
	assert.False(t, s.HasConn(index))
	assert.ErrorIs(t, s.Send(index, []byte("gone")), ErrNoSuchConn)
	assert.ErrorIs(t, s.Disconnect(index), ErrNoSuchConn)
}

func TestServerMaxClients(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	s := startTestServer(t, DefaultServerOptions(), selfSignedServer(2))
	dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())
	dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())
	third := dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())

	// the third handshake succeeds but the server hangs up right away
	require.Eventually(t, func() bool {
		for _, e := range ClientEvents(third) {
			if e.Kind == EventPeerClosed {
				return true
			}
		}
		return false
	}, defaultWait, defaultTick)

	var indices []ConnIndex
	for {
		index, ok := s.Acpt()
		if !ok {
			break
		}
		indices = append(indices, index)
	}
	assert.Equal(t, []ConnIndex{1, 2}, indices)
	assert.Equal(t, 2, s.ConnectedClients())
}

func TestClientGracefulClose(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	s := startTestServer(t, DefaultServerOptions(), selfSignedServer(4))
	c := dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())
	acceptAndStart(t, s)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Send([]byte{byte(i)}))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, []byte{byte(i)}, recvOnServer(t, s).Data)
	}

	c.Disconnect()
	c.Disconnect()
	assert.ErrorIs(t, c.Send([]byte("late")), ErrNotConnected)
	assert.ErrorIs(t, c.Start(ClientConfig{}), ErrNotClosed)

	require.Eventually(t, func() bool {
		h := c.HealthCheck()
		assert.NoError(t, h.Err())
		return h.Closed
	}, defaultWait, defaultTick)
	assert.True(t, c.IsClosed())

	require.NoError(t, c.Start(ClientConfig{
		RemoteAddress: s.LocalAddr().(*net.UDPAddr),
		CertOption:    InsecureClientCert(),
	}))
	assert.Equal(t, ConnIndex(2), acceptAndStart(t, s))
}

func TestServerRejectsOversizedRecords(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	opts := DefaultServerOptions()
	opts.BufSize = 1
	s := startTestServer(t, opts, selfSignedServer(4))
	c := dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())
	index := acceptAndStart(t, s)

	require.NoError(t, c.Send([]byte("a")))
	assert.Equal(t, []byte("a"), recvOnServer(t, s).Data)

	require.NoError(t, c.Send([]byte("ab")))

	var events []Event
	require.Eventually(t, func() bool {
		events = append(events, ServerEvents(s)...)
		return len(events) > 0 && events[len(events)-1].Kind == EventConnClosed
	}, defaultWait, defaultTick)

	require.Equal(t, EventConnFatal, events[0].Kind)
	assert.Equal(t, index, events[0].Index)
	assert.False(t, IsPeerClosed(events[0].Err))

	_, ok := s.Recv()
	assert.False(t, ok)
}

func TestServerLifecycle(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	s := NewServer(DefaultServerOptions())
	assert.True(t, s.IsClosed())
	assert.Nil(t, s.LocalAddr())
	assert.ErrorIs(t, s.Start(ServerConfig{ListenAddress: loopback(), MaxClients: 1}), ErrInvalidConfig)
	assert.ErrorIs(t, s.StartConn(1), ErrNotConnected)

	require.NoError(t, s.Start(ServerConfig{ListenAddress: loopback(), CertOption: SelfSignedServerCert("localhost"), MaxClients: 4}))
	assert.ErrorIs(t, s.Start(selfSignedServer(4)), ErrNotClosed)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, 0, s.Broadcast([]byte("nobody")))

	c := NewClient(DefaultClientOptions())
	require.NoError(t, c.Start(ClientConfig{RemoteAddress: s.LocalAddr().(*net.UDPAddr), CertOption: InsecureClientCert()}))
	assert.Equal(t, ConnIndex(1), acceptAndStart(t, s))

	s.Close()
	s.Close()
	_, ok := s.Recv()
	assert.False(t, ok)

	h := s.Shutdown()
	assert.True(t, h.Listener.Finished)
	assert.NoError(t, h.Listener.Err)
	assert.True(t, s.IsClosed())

	// indices are never reused by a restarted server
	require.NoError(t, s.Start(ServerConfig{ListenAddress: loopback(), CertOption: SelfSignedServerCert("localhost"), MaxClients: 4}))
	defer s.Shutdown()

	c.Shutdown()
	require.NoError(t, c.Start(ClientConfig{RemoteAddress: s.LocalAddr().(*net.UDPAddr), CertOption: InsecureClientCert()}))
	defer c.Shutdown()
	assert.Equal(t, ConnIndex(2), acceptAndStart(t, s))
}

func TestDisconnectNeverStartedPeer(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	s := startTestServer(t, DefaultServerOptions(), selfSignedServer(4))
	c := dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())

	var index ConnIndex
	require.Eventually(t, func() bool {
		var ok bool
		index, ok = s.Acpt()
		return ok
	}, defaultWait, defaultTick)

	require.NoError(t, s.Disconnect(index))
	assert.False(t, s.HasConn(index))
	assert.Equal(t, 0, s.ConnectedClients())

	require.Eventually(t, func() bool {
		for _, e := range ClientEvents(c) {
			if e.Kind == EventPeerClosed {
				return true
			}
		}
		return false
	}, defaultWait, defaultTick)
}

func TestClientDialFailure(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	// grab a free port and release it so nothing is listening there
	pc, err := net.ListenUDP("udp", loopback())
	require.NoError(t, err)
	addr := pc.LocalAddr().(*net.UDPAddr)
	require.NoError(t, pc.Close())

	opts := DefaultClientOptions()
	opts.HandshakeTimeout = 500 * time.Millisecond
	c := NewClient(opts)

	err = c.Start(ClientConfig{RemoteAddress: addr, CertOption: InsecureClientCert()})
	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	assert.Equal(t, addr.String(), dialErr.Addr)
	assert.True(t, c.IsClosed())

	assert.ErrorIs(t, c.Start(ClientConfig{RemoteAddress: addr}), ErrInvalidConfig)
}

func TestServerSendToExitedSender(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	s := startTestServer(t, DefaultServerOptions(), selfSignedServer(4))
	c := dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())
	index := acceptAndStart(t, s)

	c.Disconnect()

	// only the accepter is left once both conn workers saw the close
	require.Eventually(t, func() bool {
		return s.rt.Running() == 1
	}, defaultWait, defaultTick)

	assert.True(t, s.HasConn(index))
	assert.ErrorIs(t, s.Send(index, []byte("lost")), ErrNoSuchConn)
}

func TestClientSendAfterServerDisconnect(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	s := startTestServer(t, DefaultServerOptions(), selfSignedServer(4))
	c := dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())
	index := acceptAndStart(t, s)

	require.NoError(t, s.Disconnect(index))
	require.Eventually(t, func() bool {
		return c.rt.Running() == 0
	}, defaultWait, defaultTick)

	assert.False(t, c.IsClosed())
	assert.ErrorIs(t, c.Send([]byte("lost")), ErrNotConnected)
}

func TestBroadcastSkipsExitedSenders(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	s := startTestServer(t, DefaultServerOptions(), selfSignedServer(4))

	first := dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())
	require.Equal(t, ConnIndex(1), acceptAndStart(t, s))
	second := dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())
	require.Equal(t, ConnIndex(2), acceptAndStart(t, s))
	gone := dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())
	require.Equal(t, ConnIndex(3), acceptAndStart(t, s))

	gone.Disconnect()

	// accepter plus the two workers of each live peer; conn 3 is not reaped yet
	require.Eventually(t, func() bool {
		return s.rt.Running() == 5
	}, defaultWait, defaultTick)
	require.Equal(t, 3, s.ConnectedClients())

	assert.Equal(t, 2, s.Broadcast([]byte("hello")))
	assert.Equal(t, []byte("hello"), recvOnClient(t, first))
	assert.Equal(t, []byte("hello"), recvOnClient(t, second))

	_, ok := gone.Recv()
	assert.False(t, ok)

	var closed []ConnIndex
	for _, e := range ServerEvents(s) {
		if e.Kind == EventConnClosed {
			closed = append(closed, e.Index)
		}
	}
	assert.Equal(t, []ConnIndex{3}, closed)
	assert.Equal(t, 2, s.Broadcast([]byte("again")))
	assert.Equal(t, []ConnIndex{1, 2}, s.ClientIndices())
}

func TestAdmittedPeerOutlivesAccepter(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	s := startTestServer(t, DefaultServerOptions(), selfSignedServer(4))
	s.next.Store(math.MaxUint64)

	last := dialTestServer(t, s, DefaultClientOptions(), InsecureClientCert())

	// the next admission finds the index space used up
	opts := DefaultClientOptions()
	opts.HandshakeTimeout = 2 * time.Second
	c := NewClient(opts)
	_ = c.Start(ClientConfig{RemoteAddress: s.LocalAddr().(*net.UDPAddr), CertOption: InsecureClientCert()})
	t.Cleanup(func() { c.Shutdown() })

	var listener Outcome
	require.Eventually(t, func() bool {
		listener = s.HealthCheck().Listener
		return listener.Finished
	}, defaultWait, defaultTick)
	assert.ErrorIs(t, listener.Err, ErrIndexExhausted)

	index, ok := s.Acpt()
	require.True(t, ok)
	assert.Equal(t, ConnIndex(math.MaxUint64), index)
	require.NoError(t, s.StartConn(index))
	assert.Equal(t, 1, s.ConnectedClients())

	require.NoError(t, last.Send([]byte("still here")))
	assert.Equal(t, Datagram{Index: index, Data: []byte("still here")}, recvOnServer(t, s))

	assert.False(t, s.IsClosed())
	assert.ErrorIs(t, s.Start(selfSignedServer(4)), ErrNotClosed)

	s.Shutdown()
	assert.True(t, s.IsClosed())
}

func TestClientRestartDropsStaleTimeouts(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	s := startTestServer(t, DefaultServerOptions(), selfSignedServer(4))

	c := NewClient(DefaultClientOptions())
	c.timeouts <- Timeout{Kind: SendTimeout, Bytes: []byte("stale")}

	require.NoError(t, c.Start(ClientConfig{
		RemoteAddress: s.LocalAddr().(*net.UDPAddr),
		CertOption:    InsecureClientCert(),
	}))
	t.Cleanup(func() { c.Shutdown() })

	_, ok := c.TimeoutCheck()
	assert.False(t, ok)
}
