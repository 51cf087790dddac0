package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/runlet/runlet/pipeline"
)

func dialRunWS(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), fmt.Sprintf("ws://127.0.0.1:%d/api/runs/ws", port), nil)
	require.NoError(t, err)
	return conn
}

// readFeed reads frames until the socket closes, returning the per-stream
// output and the terminal event.
func readFeed(t *testing.T, conn *websocket.Conn) (stdout, stderr string, terminal pipeline.Event) {
	t.Helper()
	ctx := context.Background()
	sawTerminal := false
	for {
		var ev pipeline.Event
		err := wsjson.Read(ctx, conn, &ev)
		if err != nil {
			require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err), "unexpected close: %s", err)
			break
		}
		require.False(t, sawTerminal, "event after terminal event: %+v", ev)
		switch ev.Type {
		case pipeline.EventStdout:
			stdout += ev.Message
		case pipeline.EventStderr:
			stderr += ev.Message
		default:
			require.True(t, ev.Terminal())
			terminal = ev
			sawTerminal = true
		}
	}
	require.True(t, sawTerminal, "socket closed before a terminal event")
	return stdout, stderr, terminal
}

func TestRunWS(t *testing.T) {
	ctx := context.Background()
	l := writeScript(t, `echo "episodes: $2"
printf warn 1>&2`)
	_, port := startServer(t, l)

	conn := dialRunWS(t, port)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, runRequestMessage{
		ProjectURL: "https://example.com/p/1",
		Episodes:   "5,6,7",
	}))

	stdout, stderr, terminal := readFeed(t, conn)
	assert.Contains(t, stdout, "episodes: 5-7")
	assert.Equal(t, "warn", stderr)
	require.Equal(t, pipeline.EventComplete, terminal.Type)
	require.NotNil(t, terminal.Success)
	assert.True(t, *terminal.Success)
}

func TestRunWSNonZeroExit(t *testing.T) {
	ctx := context.Background()
	_, port := startServer(t, writeScript(t, "exit 3"))

	conn := dialRunWS(t, port)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, runRequestMessage{
		ProjectURL: "https://example.com/p/1",
		Episodes:   "1",
	}))

	_, _, terminal := readFeed(t, conn)
	require.Equal(t, pipeline.EventComplete, terminal.Type)
	require.NotNil(t, terminal.ExitCode)
	assert.Equal(t, 3, *terminal.ExitCode)
	assert.False(t, *terminal.Success)
}

func TestRunWSValidationFailure(t *testing.T) {
	ctx := context.Background()
	_, port := startServer(t, writeScript(t, "true"))

	conn := dialRunWS(t, port)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, runRequestMessage{Episodes: "nope"}))

	stdout, stderr, terminal := readFeed(t, conn)
	assert.Empty(t, stdout)
	assert.Empty(t, stderr)
	require.Equal(t, pipeline.EventError, terminal.Type)
	assert.Contains(t, terminal.Message, "episodes")
}

func TestRunWSKillOnDisconnect(t *testing.T) {
	ctx := context.Background()
	marker := filepath.Join(t.TempDir(), "marker")
	l := writeScript(t, fmt.Sprintf("echo started\nsleep 1\n: > %q", marker))
	_, port := startServer(t, l, WithKillOnDisconnect(true))

	conn := dialRunWS(t, port)
	require.NoError(t, wsjson.Write(ctx, conn, runRequestMessage{
		ProjectURL: "https://example.com/p/1",
		Episodes:   "1",
	}))

	// wait until the child is up, then drop the socket mid-run
	var ev pipeline.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	require.Equal(t, pipeline.EventStdout, ev.Type)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	// the child must die with the connection, so the marker is never written
	require.Never(t, func() bool {
		_, statErr := os.Stat(marker)
		return statErr == nil
	}, 1500*time.Millisecond, 100*time.Millisecond)
}

func TestRunWSGuidePath(t *testing.T) {
	ctx := context.Background()
	client, port := startServer(t, writeScript(t, `cat "$3"`))

	guidePath, err := client.UploadGuide(ctx, "guide.txt", strings.NewReader("uploaded guide"))
	require.NoError(t, err)

	conn := dialRunWS(t, port)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, runRequestMessage{
		ProjectURL: "https://example.com/p/1",
		Episodes:   "1",
		GuidePath:  guidePath,
	}))

	stdout, _, terminal := readFeed(t, conn)
	assert.Equal(t, "uploaded guide", stdout)
	require.Equal(t, pipeline.EventComplete, terminal.Type)
	assert.True(t, *terminal.Success)
}
