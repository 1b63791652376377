package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	out := New("test", "arg0", float64(17))
	data, err := json.Marshal(out)
	require.NoError(t, err)

	var in ReceivedMessage
	require.NoError(t, json.Unmarshal(data, &in))
	require.Equal(t, "test", in.Name)
	require.Len(t, in.Args, 2)

	s, ok := in.StringArg(0)
	require.True(t, ok)
	require.Equal(t, "arg0", s)
}

func TestMessageNilArgsMarshalAsEmptyArray(t *testing.T) {
	data, err := json.Marshal(New(NameShutdown))
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"shutdown","args":[]}`, string(data))
}

func TestReport(t *testing.T) {
	data, err := json.Marshal(Report("ready"))
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"report","args":[["ready"]]}`, string(data))
}

func TestEventsArg(t *testing.T) {
	raw := []byte(`{"name":"turn","args":[[{"type":"move","args":["1","up"]},{"type":"stop","args":[]}]]}`)
	var msg ReceivedMessage
	require.NoError(t, json.Unmarshal(raw, &msg))

	events, err := msg.EventsArg(0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "move", events[0].Type)
	require.Equal(t, []string{"1", "up"}, events[0].Args)

	_, err = msg.EventsArg(1)
	require.Error(t, err)
}

func TestEventArg(t *testing.T) {
	raw := []byte(`{"name":"event","args":[{"type":"pause","args":[]}]}`)
	var msg ReceivedMessage
	require.NoError(t, json.Unmarshal(raw, &msg))

	ev, err := msg.EventArg(0)
	require.NoError(t, err)
	require.Equal(t, "pause", ev.Type)
}

func TestNewToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		tok := NewToken()
		require.True(t, ValidToken(tok), "token %q", tok)
		require.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestValidToken(t *testing.T) {
	require.False(t, ValidToken(""))
	require.False(t, ValidToken("short"))
	require.False(t, ValidToken("000000000000000000000000000000000"))
	require.True(t, ValidToken("00000000000000000000000000000000"))
	require.False(t, ValidToken("0000000000000000000000000000000\x01"))
}
