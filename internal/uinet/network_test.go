package uinet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"turncast/server/internal/netio"
	"turncast/server/internal/proto"
)

const uiToken = "aaaabbbbccccddddeeeeffff00001111"

func startNetwork(t *testing.T, opts Options) *Network {
	t.Helper()
	if opts.Token == "" {
		opts.Token = uiToken
	}
	network := NewNetwork(opts)
	t.Cleanup(network.Terminate)
	require.NoError(t, network.Listen(0))
	return network
}

func dialUI(t *testing.T, network *Network, token string) *netio.Socket {
	t.Helper()
	sock, err := netio.Dial(network.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	require.NoError(t, sock.Send(proto.New(proto.NameToken, token)))
	return sock
}

func TestNetworkAcceptsMatchingToken(t *testing.T) {
	network := startNetwork(t, Options{})
	dialUI(t, network, uiToken)
	require.True(t, network.WaitForClient(time.Second))
	require.True(t, network.HasClient())
}

func TestNetworkRejectsWrongToken(t *testing.T) {
	network := startNetwork(t, Options{})
	sock := dialUI(t, network, "ffffffffffffffffffffffffffffffff")

	_, err := sock.Recv()
	require.ErrorIs(t, err, netio.ErrTransportIO)
	require.False(t, network.HasClient())
}

func TestNetworkDeliversBacklogToLateClient(t *testing.T) {
	network := startNetwork(t, Options{})

	network.Send(proto.New(proto.NameTurn, float64(1)))
	network.Send(proto.New(proto.NameTurn, float64(2)))

	sock := dialUI(t, network, uiToken)
	for want := 1; want <= 2; want++ {
		msg, err := sock.Recv()
		require.NoError(t, err)
		require.Equal(t, proto.NameTurn, msg.Name)
	}
}

func TestNetworkHotSwapsClients(t *testing.T) {
	network := startNetwork(t, Options{})

	first := dialUI(t, network, uiToken)
	require.True(t, network.WaitForClient(time.Second))

	second := dialUI(t, network, uiToken)
	_, err := first.Recv()
	require.ErrorIs(t, err, netio.ErrTransportIO)

	require.NoError(t, network.SendBlocking(proto.New(proto.NameStatus)))
	msg, err := second.Recv()
	require.NoError(t, err)
	require.Equal(t, proto.NameStatus, msg.Name)
}

func TestNetworkVerifyTimeout(t *testing.T) {
	network := startNetwork(t, Options{VerifyTimeout: 50 * time.Millisecond})

	sock, err := netio.Dial(network.Addr(), time.Second)
	require.NoError(t, err)
	defer sock.Close()

	_, err = sock.Recv()
	require.ErrorIs(t, err, netio.ErrTransportIO)
	require.False(t, network.HasClient())
}

func TestNetworkSendBlockingUnblocksOnTerminate(t *testing.T) {
	network := startNetwork(t, Options{})

	errs := make(chan error, 1)
	go func() {
		errs <- network.SendBlocking(proto.New(proto.NameStatus))
	}()

	time.Sleep(20 * time.Millisecond)
	network.Terminate()
	require.ErrorIs(t, <-errs, ErrTerminated)
}

func TestNetworkWaitForNewClientTimesOut(t *testing.T) {
	network := startNetwork(t, Options{})
	started := time.Now()
	require.False(t, network.WaitForNewClient(50*time.Millisecond))
	require.Less(t, time.Since(started), time.Second)
}
