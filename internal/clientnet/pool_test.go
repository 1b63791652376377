package clientnet

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"turncast/server/internal/netio"
	"turncast/server/internal/proto"
)

func startPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	pool := NewPool(opts)
	t.Cleanup(func() {
		pool.Terminate()
		pool.OmitAllClients()
	})
	return pool
}

func listen(t *testing.T, pool *Pool) {
	t.Helper()
	require.NoError(t, pool.Listen(0))
}

func dialWithToken(t *testing.T, pool *Pool, token string) *netio.Socket {
	t.Helper()
	sock, err := netio.Dial(pool.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	require.NoError(t, sock.Send(proto.New(proto.NameToken, token)))
	return sock
}

func testToken(i int) string {
	return fmt.Sprintf("%032d", i)
}

func TestPoolRejectsUnknownToken(t *testing.T) {
	pool := startPool(t, Options{})
	id, err := pool.DefineClient(testToken(1))
	require.NoError(t, err)
	listen(t, pool)

	sock := dialWithToken(t, pool, testToken(99))

	// No reply of any kind, the connection just goes away.
	_, err = sock.Recv()
	require.ErrorIs(t, err, netio.ErrTransportIO)
	require.False(t, pool.IsConnected(id))
	require.Equal(t, 0, pool.NumberConnected())
}

func TestPoolBindsMatchingToken(t *testing.T) {
	pool := startPool(t, Options{})
	id, err := pool.DefineClient(testToken(1))
	require.NoError(t, err)
	listen(t, pool)

	require.NoError(t, pool.Queue(id, proto.New(proto.NameInit, "welcome")))
	pool.SendAllBlocking()

	sock := dialWithToken(t, pool, testToken(1))
	require.True(t, pool.WaitForClient(id, time.Second))
	require.True(t, pool.IsConnected(id))

	// The message queued before the client arrived is still delivered.
	msg, err := sock.Recv()
	require.NoError(t, err)
	require.Equal(t, proto.NameInit, msg.Name)
}

func TestPoolBroadcastReachesEveryClient(t *testing.T) {
	const clients = 100
	pool := startPool(t, Options{})

	ids := make([]int, clients)
	for i := range ids {
		id, err := pool.DefineClient(testToken(i))
		require.NoError(t, err)
		ids[i] = id
	}
	listen(t, pool)

	socks := make([]*netio.Socket, clients)
	for i := range socks {
		socks[i] = dialWithToken(t, pool, testToken(i))
	}
	require.True(t, pool.WaitForAllClients(5*time.Second))
	require.Equal(t, clients, pool.NumberConnected())

	for _, id := range ids {
		require.NoError(t, pool.Queue(id, proto.New(proto.NameTurn, float64(1))))
	}
	pool.SendAllBlocking()

	var wg sync.WaitGroup
	failures := make(chan error, clients)
	for _, sock := range socks {
		wg.Add(1)
		go func(s *netio.Socket) {
			defer wg.Done()
			msg, err := s.Recv()
			if err != nil {
				failures <- err
				return
			}
			if msg.Name != proto.NameTurn {
				failures <- fmt.Errorf("unexpected message %q", msg.Name)
			}
		}(sock)
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		require.NoError(t, err)
	}
}

func TestPoolReceiveWindowGatesMessages(t *testing.T) {
	pool := startPool(t, Options{})
	id, err := pool.DefineClient(testToken(1))
	require.NoError(t, err)
	listen(t, pool)

	sock := dialWithToken(t, pool, testToken(1))
	require.True(t, pool.WaitForClient(id, time.Second))

	// Before the window opens nothing is cached.
	require.NoError(t, sock.Send(proto.New("move", "m1")))
	time.Sleep(50 * time.Millisecond)
	_, ok := pool.ReceivedMessage(id)
	require.False(t, ok)

	pool.StartReceivingAll()
	require.NoError(t, sock.Send(proto.New("move", "m2")))
	require.NoError(t, sock.Send(proto.New("move", "m3")))
	require.Eventually(t, func() bool {
		msg, ok := pool.ReceivedMessage(id)
		if !ok {
			return false
		}
		arg, ok := msg.StringArg(0)
		return ok && arg == "m3"
	}, time.Second, 5*time.Millisecond)

	pool.StopReceivingAll()
	require.NoError(t, sock.Send(proto.New("move", "m4")))
	time.Sleep(50 * time.Millisecond)

	msg, ok := pool.ReceivedMessage(id)
	require.True(t, ok)
	arg, ok := msg.StringArg(0)
	require.True(t, ok)
	require.Equal(t, "m3", arg)
}

func TestPoolReceivedEvents(t *testing.T) {
	pool := startPool(t, Options{})
	id, err := pool.DefineClient(testToken(1))
	require.NoError(t, err)
	listen(t, pool)

	sock := dialWithToken(t, pool, testToken(1))
	require.True(t, pool.WaitForClient(id, time.Second))

	pool.StartReceivingAll()
	batch := []proto.Event{{Type: "attack", Args: []string{"3", "4"}}}
	require.NoError(t, sock.Send(proto.New(proto.NameEvent, batch)))
	require.Eventually(t, func() bool {
		return len(pool.ReceivedEvents(id)) == 1
	}, time.Second, 5*time.Millisecond)

	events := pool.ReceivedEvents(id)
	require.Equal(t, "attack", events[0].Type)
	require.Equal(t, []string{"3", "4"}, events[0].Args)
}

func TestPoolReceivedEventsIgnoresMessageName(t *testing.T) {
	pool := startPool(t, Options{})
	id, err := pool.DefineClient(testToken(1))
	require.NoError(t, err)
	listen(t, pool)

	sock := dialWithToken(t, pool, testToken(1))
	require.True(t, pool.WaitForClient(id, time.Second))

	// Client replies carry their events in args[0] under any name.
	pool.StartReceivingAll()
	batch := []proto.Event{{Type: "attack", Args: []string{"north"}}}
	require.NoError(t, sock.Send(proto.New("move", batch)))
	require.Eventually(t, func() bool {
		return len(pool.ReceivedEvents(id)) == 1
	}, time.Second, 5*time.Millisecond)

	events := pool.ReceivedEvents(id)
	require.Equal(t, "attack", events[0].Type)
	require.Equal(t, []string{"north"}, events[0].Args)
}

func TestPoolReconnectRebindsSlot(t *testing.T) {
	pool := startPool(t, Options{})
	id, err := pool.DefineClient(testToken(1))
	require.NoError(t, err)
	listen(t, pool)

	first := dialWithToken(t, pool, testToken(1))
	require.True(t, pool.WaitForClient(id, time.Second))
	require.True(t, pool.IsConnected(id))

	first.Close()
	require.Eventually(t, func() bool {
		return !pool.IsConnected(id)
	}, time.Second, 5*time.Millisecond)

	// The same token claims the slot back.
	second := dialWithToken(t, pool, testToken(1))
	require.Eventually(t, func() bool {
		return pool.IsConnected(id)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Send(id, proto.New(proto.NameTurn, float64(1))))
	msg, err := second.Recv()
	require.NoError(t, err)
	require.Equal(t, proto.NameTurn, msg.Name)
}

func TestPoolNewConnectionReplacesLiveClient(t *testing.T) {
	pool := startPool(t, Options{})
	id, err := pool.DefineClient(testToken(1))
	require.NoError(t, err)
	listen(t, pool)

	first := dialWithToken(t, pool, testToken(1))
	require.True(t, pool.WaitForClient(id, time.Second))

	second := dialWithToken(t, pool, testToken(1))

	// The old connection is closed in favor of the newcomer.
	_, err = first.Recv()
	require.ErrorIs(t, err, netio.ErrTransportIO)
	require.True(t, pool.IsConnected(id))

	require.NoError(t, pool.Send(id, proto.New(proto.NameTurn, float64(2))))
	msg, err := second.Recv()
	require.NoError(t, err)
	require.Equal(t, proto.NameTurn, msg.Name)
}

func TestPoolDefineClientRules(t *testing.T) {
	pool := startPool(t, Options{})
	_, err := pool.DefineClient(testToken(1))
	require.NoError(t, err)

	_, err = pool.DefineClient(testToken(1))
	require.ErrorIs(t, err, ErrDuplicateToken)

	_, err = pool.DefineClient("short")
	require.ErrorIs(t, err, ErrInvalidState)

	listen(t, pool)
	_, err = pool.DefineClient(testToken(2))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestPoolWaitForAllClientsSharesBudget(t *testing.T) {
	pool := startPool(t, Options{})
	for i := 0; i < 3; i++ {
		_, err := pool.DefineClient(testToken(i))
		require.NoError(t, err)
	}
	listen(t, pool)

	started := time.Now()
	require.False(t, pool.WaitForAllClients(100*time.Millisecond))
	require.Less(t, time.Since(started), time.Second)
}

func TestPoolVerifyTimeoutDropsSilentConnections(t *testing.T) {
	pool := startPool(t, Options{VerifyTimeout: 50 * time.Millisecond})
	_, err := pool.DefineClient(testToken(1))
	require.NoError(t, err)
	listen(t, pool)

	sock, err := netio.Dial(pool.Addr(), time.Second)
	require.NoError(t, err)
	defer sock.Close()

	_, err = sock.Recv()
	require.ErrorIs(t, err, netio.ErrTransportIO)
	require.Equal(t, 0, pool.NumberConnected())
}

func TestPoolOmitAllClients(t *testing.T) {
	pool := startPool(t, Options{})
	id, err := pool.DefineClient(testToken(1))
	require.NoError(t, err)
	listen(t, pool)

	sock := dialWithToken(t, pool, testToken(1))
	require.True(t, pool.WaitForClient(id, time.Second))

	// Slots cannot be dropped under a live listener.
	require.ErrorIs(t, pool.OmitAllClients(), ErrInvalidState)
	require.Equal(t, 1, pool.NumberConnected())

	// Terminate only stops the listener; the bound client keeps its
	// connection until the slots themselves are dropped.
	pool.Terminate()
	require.Equal(t, 1, pool.NumberConnected())

	require.NoError(t, pool.OmitAllClients())
	require.Equal(t, 0, pool.NumberConnected())

	_, err = sock.Recv()
	require.ErrorIs(t, err, netio.ErrTransportIO)

	// The emptied pool accepts a fresh roster.
	id, err = pool.DefineClient(testToken(2))
	require.NoError(t, err)
	require.Equal(t, 0, id)
}
