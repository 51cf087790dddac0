package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLog *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	testLog = l.Sugar()
}

// writeScript drops a shell script into a temp dir and returns a launcher
// that runs it via sh, standing in for the python driver.
func writeScript(t *testing.T, body string) *Launcher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driver.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return &Launcher{
		Interpreter: "sh",
		Script:      path,
		Log:         testLog,
	}
}

func collect(t *testing.T, events <-chan Event) (stdout, stderr string, terminal Event, terminalCount int) {
	t.Helper()
	sawTerminal := false
	for ev := range events {
		if sawTerminal {
			t.Fatalf("event %+v received after terminal event", ev)
		}
		switch ev.Type {
		case EventStdout:
			stdout += ev.Message
		case EventStderr:
			stderr += ev.Message
		case EventComplete, EventError:
			terminal = ev
			terminalCount++
			sawTerminal = true
		}
	}
	require.Equal(t, 1, terminalCount, "expected exactly one terminal event")
	return stdout, stderr, terminal, terminalCount
}

func TestMuxStdoutIntegrity(t *testing.T) {
	// 136000 bytes spans many pipe reads; the reassembled payload must be
	// byte-exact, with no loss or duplication.
	l := writeScript(t, `i=0
while [ $i -lt 8000 ]; do
  printf 'abcdefghij_%05d\n' $i
  i=$((i+1))
done`)

	proc, err := l.Start(context.Background(), nil)
	require.NoError(t, err)

	stdout, stderr, terminal, _ := collect(t, NewMux(testLog, proc, 0).Events())

	var exp strings.Builder
	for i := 0; i < 8000; i++ {
		fmt.Fprintf(&exp, "abcdefghij_%05d\n", i)
	}
	assert.Equal(t, exp.String(), stdout)
	assert.Empty(t, stderr)
	require.Equal(t, EventComplete, terminal.Type)
	require.NotNil(t, terminal.ExitCode)
	require.NotNil(t, terminal.Success)
	assert.Equal(t, 0, *terminal.ExitCode)
	assert.True(t, *terminal.Success)
}

func TestMuxIntraStreamOrder(t *testing.T) {
	l := writeScript(t, `i=1
while [ $i -le 100 ]; do
  echo "line $i"
  i=$((i+1))
done`)

	proc, err := l.Start(context.Background(), nil)
	require.NoError(t, err)

	stdout, _, terminal, _ := collect(t, NewMux(testLog, proc, 0).Events())

	var exp strings.Builder
	for i := 1; i <= 100; i++ {
		exp.WriteString("line ")
		exp.WriteString(strconv.Itoa(i))
		exp.WriteString("\n")
	}
	assert.Equal(t, exp.String(), stdout)
	assert.Equal(t, EventComplete, terminal.Type)
}

func TestMuxStderrTagged(t *testing.T) {
	l := writeScript(t, `printf out
printf err 1>&2`)

	proc, err := l.Start(context.Background(), nil)
	require.NoError(t, err)

	stdout, stderr, terminal, _ := collect(t, NewMux(testLog, proc, 0).Events())

	assert.Equal(t, "out", stdout)
	assert.Equal(t, "err", stderr)
	assert.Equal(t, EventComplete, terminal.Type)
}

func TestMuxNonZeroExit(t *testing.T) {
	l := writeScript(t, `printf 'stage 3 failed' 1>&2
exit 2`)

	proc, err := l.Start(context.Background(), nil)
	require.NoError(t, err)

	_, stderr, terminal, _ := collect(t, NewMux(testLog, proc, 0).Events())

	assert.Equal(t, "stage 3 failed", stderr)
	require.Equal(t, EventComplete, terminal.Type)
	require.NotNil(t, terminal.ExitCode)
	require.NotNil(t, terminal.Success)
	assert.Equal(t, 2, *terminal.ExitCode)
	assert.False(t, *terminal.Success)
}

func TestMuxCancelledContext(t *testing.T) {
	l := writeScript(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := l.Start(ctx, nil)
	require.NoError(t, err)
	cancel()

	_, _, terminal, _ := collect(t, NewMux(testLog, proc, 0).Events())

	// a signal death is a runtime fault, not an exit
	require.Equal(t, EventError, terminal.Type)
	assert.NotEmpty(t, terminal.Message)
}

func TestLauncherSpawnError(t *testing.T) {
	l := &Launcher{
		Interpreter: "/definitely/not/an/interpreter",
		Script:      "driver.py",
		Log:         testLog,
	}
	_, err := l.Start(context.Background(), nil)
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
}

func TestLauncherEnvForwarded(t *testing.T) {
	l := writeScript(t, `printf "$RUNLET_TEST_TOKEN"`)
	l.Env = []string{"RUNLET_TEST_TOKEN=s3cret"}

	proc, err := l.Start(context.Background(), nil)
	require.NoError(t, err)

	stdout, _, terminal, _ := collect(t, NewMux(testLog, proc, 0).Events())
	assert.Equal(t, "s3cret", stdout)
	assert.Equal(t, EventComplete, terminal.Type)
}

func TestRunInvalidRequestSpawnsNothing(t *testing.T) {
	l := &Launcher{
		// Unresolvable on purpose: if validation ever let the request
		// through, the spawn error would surface on the feed.
		Interpreter: "/definitely/not/an/interpreter",
		Script:      "driver.py",
		Log:         testLog,
	}
	events, err := Run(context.Background(), testLog, l, Request{Episodes: "1-3"}, 0)
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Nil(t, events)
}

func TestRunSpawnErrorSingleErrorEvent(t *testing.T) {
	l := &Launcher{
		Interpreter: "/definitely/not/an/interpreter",
		Script:      "driver.py",
		Log:         testLog,
	}
	events, err := Run(context.Background(), testLog, l, Request{ProjectURL: "https://example.com/p", Episodes: "1"}, 0)
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Type)
	assert.NotEmpty(t, got[0].Message)
}

func TestRunEndToEnd(t *testing.T) {
	l := writeScript(t, `echo "project: $1"
echo "episodes: $2"
echo "guide: $3"
echo "slack: $4"`)

	events, err := Run(context.Background(), testLog, l, Request{
		ProjectURL: "https://example.com/p/9",
		Episodes:   "2,1,4",
	}, 0)
	require.NoError(t, err)

	stdout, _, terminal, _ := collect(t, events)
	assert.Contains(t, stdout, "project: https://example.com/p/9")
	assert.Contains(t, stdout, "episodes: 1-2,4")
	assert.Contains(t, stdout, "guide: none")
	assert.Contains(t, stdout, "slack: n")
	require.Equal(t, EventComplete, terminal.Type)
	assert.True(t, *terminal.Success)
}

func TestSpawnErrorUnwrap(t *testing.T) {
	inner := errors.New("no such file")
	err := &SpawnError{Err: inner}
	assert.ErrorIs(t, err, inner)
}
