package encoder_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castworks/cw-studio/internal/encoder"
)

func TestStart_MissingBinary(t *testing.T) {
	d := encoder.NewDriver("ffmpeg-does-not-exist-xyz", time.Second, time.Second)
	_, err := d.Start(context.Background(), encoder.Spec{Name: "t"})
	assert.ErrorIs(t, err, encoder.ErrSpawn)
}

// The remaining lifecycle tests use /bin/sh as a stand-in process so
// they run anywhere.

func TestLifecycle_ExitedEventAndChannelClose(t *testing.T) {
	d := encoder.NewDriver("sh", time.Second, time.Second)
	h, err := d.Start(context.Background(), encoder.Spec{
		Name: "t",
		Args: []string{"-c", "exit 3"},
	})
	require.NoError(t, err)

	var exited *encoder.Event
	deadline := time.After(5 * time.Second)
	for exited == nil {
		select {
		case evt, ok := <-h.Events():
			if !ok {
				t.Fatal("channel closed before Exited")
			}
			if evt.Type == encoder.EvExited {
				e := evt
				exited = &e
			}
		case <-deadline:
			t.Fatal("no Exited event")
		}
	}
	assert.Equal(t, 3, exited.Code)

	// Channel closes after Exited.
	_, ok := <-h.Events()
	assert.False(t, ok)
	assert.Equal(t, encoder.StateExited, h.State())
}

func TestLifecycle_ProgressParsing(t *testing.T) {
	d := encoder.NewDriver("sh", time.Second, time.Second)
	// Emit a fake ffmpeg status line on stderr.
	h, err := d.Start(context.Background(), encoder.Spec{
		Name: "t",
		Args: []string{"-c", `echo "frame=  10 fps= 30 drop=0 speed=1.0x" 1>&2`},
	})
	require.NoError(t, err)

	var sawStarted, sawFirst, sawProgress bool
	for evt := range h.Events() {
		switch evt.Type {
		case encoder.EvStarted:
			sawStarted = true
		case encoder.EvFirstFrame:
			sawFirst = true
			assert.True(t, sawStarted, "FirstFrame before Started")
		case encoder.EvProgress:
			sawProgress = true
			assert.True(t, sawFirst, "Progress before FirstFrame")
			assert.Equal(t, 30.0, evt.FPS)
		}
	}
	assert.True(t, sawStarted && sawFirst && sawProgress)
}

func TestStop_Idempotent(t *testing.T) {
	d := encoder.NewDriver("sh", time.Second, 500*time.Millisecond)
	h, err := d.Start(context.Background(), encoder.Spec{
		Name: "t",
		Args: []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)

	go func() {
		for range h.Events() {
		}
	}()

	require.NoError(t, d.Stop(h, 500*time.Millisecond))
	require.NoError(t, d.Stop(h, 500*time.Millisecond))
	assert.Equal(t, encoder.StateExited, h.State())
}

func TestStartupWatchdog_NoFrames(t *testing.T) {
	d := encoder.NewDriver("sh", time.Second, time.Second)
	h, err := d.Start(context.Background(), encoder.Spec{
		Name:           "t",
		Args:           []string{"-c", "sleep 2"},
		StartupTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer d.Stop(h, 100*time.Millisecond)

	var sawStartupError bool
	timeout := time.After(3 * time.Second)
	for !sawStartupError {
		select {
		case evt, ok := <-h.Events():
			if !ok {
				t.Fatal("channel closed without startup error")
			}
			if evt.Type == encoder.EvError {
				sawStartupError = true
			}
		case <-timeout:
			t.Fatal("no startup error event")
		}
	}
}
