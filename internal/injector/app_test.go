package injector

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokamak/kantan/internal/config"
	"github.com/tokamak/kantan/internal/core/protocol"
	"github.com/tokamak/kantan/internal/core/protocol/transport"
	"github.com/tokamak/kantan/internal/core/tracking"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "kantan")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Transport.SocketDir = dir
	cfg.Server.ProbeInterval = 20 * time.Millisecond
	return cfg
}

func TestInitializeApp_BridgeDrivesRegistry(t *testing.T) {
	app, cleanup, err := InitializeApp(testConfig(t))
	require.NoError(t, err)
	defer cleanup()

	input := strings.Join([]string{
		`{"op":"opened","uri":"file:///w/a.decl","text":"x"}`,
		`{"op":"opened","uri":"file:///w/a.decl","text":"x"}`,
		`{"op":"changed","uri":"file:///w/a.decl","edits":[{"range":{"start":1,"length":0},"text":"="}],"text":"x="}`,
		`{"op":"closed","uri":"file:///w/a.decl"}`,
		`{"op":"opened","uri":"file:///w/readme.md","text":"ignored"}`,
	}, "\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Run(ctx, true, strings.NewReader(input)))

	snap, err := app.Registry.Snapshot("file:///w/a.decl")
	require.NoError(t, err)
	assert.Equal(t, "x=", snap.Text)
	assert.True(t, snap.Open, "one view is still open")
	assert.Equal(t, 1, app.Registry.Stats().Documents)
}

func TestInitializeApp_ServesClients(t *testing.T) {
	cfg := testConfig(t)
	app, cleanup, err := InitializeApp(cfg)
	require.NoError(t, err)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, false, nil) }()

	require.NoError(t, app.Editor.ViewOpened("file:///w/a.decl", "x"))

	stream, err := transport.Dial(ctx, cfg.Transport)
	require.NoError(t, err)
	defer stream.Close()

	reader := protocol.NewFrameReader(stream, cfg.Transport.MaxFrameSize)
	var updates tracking.Updates
	for updates == nil {
		frame, err := reader.ReadFrame()
		require.NoError(t, err)
		if !protocol.IsHeartbeat(frame) {
			updates, err = protocol.DecodeFrame(frame)
			require.NoError(t, err)
		}
	}
	assert.Len(t, updates["file:///w/a.decl"], 2)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestInitializeApp_ListenFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.SocketDir = "/nonexistent/kantan"

	_, _, err := InitializeApp(cfg)
	assert.ErrorIs(t, err, protocol.ErrListenFailed)
}
