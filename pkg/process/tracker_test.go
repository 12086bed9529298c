//go:build !windows

package process

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

type exitResult struct {
	code          int
	stillTracked  bool
	err           error
	receivedAfter time.Time
}

func spawnAndWait(
	t *testing.T,
	tr Tracker,
	runID, cmdline string,
	out *syncBuffer,
) <-chan exitResult {
	t.Helper()

	ch := make(chan exitResult, 1)

	err := tr.Spawn(runID, cmdline, out, out, func(code int, err error) {
		tracked := false

		for _, id := range tr.Active() {
			if id == runID {
				tracked = true
			}
		}

		ch <- exitResult{code: code, stillTracked: tracked, err: err, receivedAfter: time.Now()}
	})
	require.NoError(t, err)

	return ch
}

func waitExit(t *testing.T, ch <-chan exitResult) exitResult {
	t.Helper()

	select {
	case res := <-ch:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}

	return exitResult{}
}

func TestTracker_SpawnCapturesOutputAndExitCode(t *testing.T) {
	tests := []struct {
		name     string
		cmdline  string
		wantCode int
		wantOut  string
	}{
		{name: "success", cmdline: "echo hello", wantCode: 0, wantOut: "hello\n"},
		{name: "failure", cmdline: "echo boom >&2; exit 3", wantCode: 3, wantOut: "boom\n"},
		{name: "shell chain", cmdline: "false || echo fallback", wantCode: 0, wantOut: "fallback\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(logrus.New())
			out := &syncBuffer{}

			res := waitExit(t, spawnAndWait(t, tr, "run-1", tt.cmdline, out))

			assert.Equal(t, tt.wantCode, res.code)
			assert.Equal(t, tt.wantOut, out.String())
			assert.False(t, res.stillTracked, "handle must be removed before the exit callback")
			assert.Empty(t, tr.Active())
		})
	}
}

func TestTracker_SignalTerminatesProcess(t *testing.T) {
	tr := NewTracker(logrus.New())
	out := &syncBuffer{}

	ch := spawnAndWait(t, tr, "run-sleep", "sleep 30", out)
	assert.Equal(t, []string{"run-sleep"}, tr.Active())

	start := time.Now()
	require.NoError(t, tr.Signal("run-sleep"))

	res := waitExit(t, ch)
	assert.Equal(t, -1, res.code)
	assert.Less(t, res.receivedAfter.Sub(start), 5*time.Second)

	assert.ErrorIs(t, tr.Signal("run-sleep"), ErrNotTracked)
}

func TestTracker_SignalUnknownRun(t *testing.T) {
	tr := NewTracker(logrus.New())

	assert.ErrorIs(t, tr.Signal("nope"), ErrNotTracked)
}

func TestTracker_RejectsDuplicateRunID(t *testing.T) {
	tr := NewTracker(logrus.New())
	out := &syncBuffer{}

	ch := spawnAndWait(t, tr, "dup", "sleep 30", out)

	err := tr.Spawn("dup", "echo second", out, out, nil)
	assert.ErrorIs(t, err, ErrAlreadyTracked)

	require.NoError(t, tr.Signal("dup"))
	waitExit(t, ch)
}

func TestTracker_StopTerminatesAll(t *testing.T) {
	tr := NewTracker(logrus.New())
	out := &syncBuffer{}

	a := spawnAndWait(t, tr, "a", "sleep 30", out)
	b := spawnAndWait(t, tr, "b", "sleep 30", out)

	require.NoError(t, tr.Stop())

	waitExit(t, a)
	waitExit(t, b)
	assert.Empty(t, tr.Active())
}
