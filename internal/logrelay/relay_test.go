package logrelay

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packet(body string) []byte {
	return append([]byte("\xff\xff\xff\xff"), []byte(body)...)
}

func TestParsePacket(t *testing.T) {
	line, ok := ParsePacket(packet(`Sdeadbeef1234L 08/31/2026 - 21:58:00: World triggered "Round_Start"`))
	require.True(t, ok)
	assert.Equal(t, "deadbeef1234", line.Secret)
	assert.Equal(t, ` 08/31/2026 - 21:58:00: World triggered "Round_Start"`, line.Payload)
	assert.False(t, line.ReceivedAt.IsZero())
}

func TestParsePacketTrimsTrailer(t *testing.T) {
	raw := packet("SabcdefL log line here")
	raw = append(raw, 0, '\n')
	line, ok := ParsePacket(raw)
	require.True(t, ok)
	assert.Equal(t, " log line here", line.Payload)
}

func TestParsePacketRejects(t *testing.T) {
	cases := map[string][]byte{
		"missing header":  []byte("Sdeadbeef12L hello"),
		"no secret flag":  packet("RL 08/31/2026 - 21:58:00: hello"),
		"empty secret":    packet("SL hello"),
		"no line marker":  packet("Sdeadbeef12 hello"),
		"empty payload":   packet("Sdeadbeef12L"),
		"truncated":       packet("S"),
		"empty packet":    {},
	}
	for name, raw := range cases {
		_, ok := ParsePacket(raw)
		assert.False(t, ok, name)
	}
}

func TestRelayWatch(t *testing.T) {
	r := New("127.0.0.1:0", nil)

	ch, cancel := r.Watch("deadbeef12")
	r.deliver(Line{Secret: "deadbeef12", Payload: "marker line", ReceivedAt: time.Now()})
	r.deliver(Line{Secret: "aaaaaaaaa1", Payload: "someone else", ReceivedAt: time.Now()})

	select {
	case payload := <-ch:
		assert.Equal(t, "marker line", payload)
	case <-time.After(time.Second):
		t.Fatal("watched line never arrived")
	}
	select {
	case payload := <-ch:
		t.Fatalf("unexpected payload %q", payload)
	default:
	}

	cancel()
	r.deliver(Line{Secret: "deadbeef12", Payload: "after cancel", ReceivedAt: time.Now()})
	select {
	case payload, ok := <-ch:
		if ok {
			t.Fatalf("unexpected payload %q", payload)
		}
	default:
	}
}

func TestRelayDeliverFansOut(t *testing.T) {
	r := New("127.0.0.1:0", nil)

	r.deliver(Line{Secret: "deadbeef12", Payload: "one", ReceivedAt: time.Now()})
	r.deliver(Line{Secret: "deadbeef12", Payload: "two", ReceivedAt: time.Now()})

	lines := r.Lines()
	first := <-lines
	second := <-lines
	assert.Equal(t, "one", first.Payload)
	assert.Equal(t, "two", second.Payload)
}

func TestArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a, err := NewArchive(dir)
	require.NoError(t, err)

	require.NoError(t, a.Open("deadbeef12", 7))
	a.Append("deadbeef12", "first line")
	a.Append("deadbeef12", "second line")
	a.Append("unknown", "not captured")
	a.Close("deadbeef12")

	f, err := os.Open(filepath.Join(dir, "game-7.log.gz"))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	content, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line\n", string(content))
}

func TestArchiveOpenIsIdempotent(t *testing.T) {
	a, err := NewArchive(t.TempDir())
	require.NoError(t, err)
	defer a.CloseAll()

	require.NoError(t, a.Open("deadbeef12", 7))
	require.NoError(t, a.Open("deadbeef12", 7))
	a.Append("deadbeef12", "once")
	a.Close("deadbeef12")
	// Closing again is harmless
	a.Close("deadbeef12")
}
