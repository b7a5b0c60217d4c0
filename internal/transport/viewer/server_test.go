package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/encoding"
	"voxelstream.ai/internal/gen"
	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/streaming"
	"voxelstream.ai/internal/tasks"
	"voxelstream.ai/internal/viewerproto"
	"voxelstream.ai/internal/voxel"
)

func startServer(t *testing.T) (*streaming.Controller, *Server, string) {
	t.Helper()
	sched := tasks.New(tasks.Config{IOWorkers: 1, ComputeWorkers: 2})
	t.Cleanup(sched.Close)
	ctrl, err := streaming.New(streaming.Options{
		Settings: streaming.Settings{
			LODCount:     2,
			LODDistance:  32,
			ViewDistance: 32,
			Bounds:       mathx.BoxFromMinMax(mathx.V3(-128, -32, -128), mathx.V3(128, 32, 128)),
		},
		Scheduler: sched,
		Generator: gen.Flat{Height: 4, Material: gen.Stone},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx, 5*time.Millisecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := NewServer(ctrl, Options{})
	mux := http.NewServeMux()
	mux.Handle(Path, srv.Handler())
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return ctrl, srv, "ws" + strings.TrimPrefix(hs.URL, "http") + Path
}

func TestViewerSessionReceivesStatsAndChunks(t *testing.T) {
	ctrl, srv, url := startServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(viewerproto.HelloMsg{
		Type:            viewerproto.TypeHello,
		ProtocolVersion: viewerproto.Version,
		Name:            "test",
		Position:        &[3]float64{8, 8, 8},
		Chunks:          true,
	}))

	var welcome viewerproto.WelcomeMsg
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, viewerproto.TypeWelcome, welcome.Type)
	_, err = uuid.Parse(welcome.SessionID)
	require.NoError(t, err)
	require.Equal(t, 16, welcome.BlockSize)
	require.Equal(t, 2, welcome.LODCount)
	require.Equal(t, 32, welcome.ViewDistance)

	var origin *viewerproto.ChunkMsg
	var loaded bool
	deadline := time.Now().Add(20 * time.Second)
	for (origin == nil || !loaded) && time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		base, err := viewerproto.DecodeBase(msg)
		require.NoError(t, err)
		switch base.Type {
		case viewerproto.TypeChunk:
			var cm viewerproto.ChunkMsg
			require.NoError(t, json.Unmarshal(msg, &cm))
			if cm.Pos == [3]int{0, 0, 0} {
				origin = &cm
			}
		case viewerproto.TypeStats:
			var sm viewerproto.StatsMsg
			require.NoError(t, json.Unmarshal(msg, &sm))
			loaded = len(sm.Loaded) > 0 && sm.Loaded[0] > 0 && sm.Viewers == 1
		}
	}
	require.NotNil(t, origin, "no chunk for the origin block")
	require.True(t, loaded)
	require.Equal(t, 1, srv.Sessions())

	require.Equal(t, viewerproto.EncodingRLE, origin.Encoding)
	buf := voxel.NewCube(origin.Size, voxel.DefaultFormat(), nil)
	require.NoError(t, encoding.DecodeChannel(origin.Data, buf, voxel.ChannelType))
	require.Equal(t, gen.Stone, buf.Get(mathx.V3(0, 3, 0), voxel.ChannelType))
	require.Equal(t, gen.Air, buf.Get(mathx.V3(0, 4, 0), voxel.ChannelType))

	require.NoError(t, conn.WriteJSON(viewerproto.PositionMsg{
		Type:            viewerproto.TypePosition,
		ProtocolVersion: viewerproto.Version,
		Position:        [3]float64{40, 8, 8},
	}))
	require.Eventually(t, func() bool {
		_, ok := ctrl.GetVoxel(mathx.V3(40+32, 0, 0), voxel.ChannelType)
		return ok
	}, 20*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return srv.Sessions() == 0 && ctrl.Stats().Viewers == 0
	}, 10*time.Second, 10*time.Millisecond)
}

func TestViewerRejectsBadHello(t *testing.T) {
	_, srv, url := startServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"HELLO","protocol_version":"0.1"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	require.Zero(t, srv.Sessions())
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:5000":     true,
		"::1":            true,
		"10.0.0.2:5000":  false,
		"example:80":     false,
		"":               false,
	} {
		require.Equal(t, want, isLoopbackRemote(addr), addr)
	}
}
