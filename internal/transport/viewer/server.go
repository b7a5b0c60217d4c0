// Package viewer serves the streaming controller over websockets: every
// connection is one viewer that reports its position and receives stats
// and, on request, the blocks loaded around it.
package viewer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"voxelstream.ai/internal/encoding"
	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/streaming"
	"voxelstream.ai/internal/viewerproto"
	"voxelstream.ai/internal/voxel"
)

const (
	Path = "/v1/stream"

	defaultMaxQueue = 256
	maxMaxQueue     = 4096
)

type Options struct {
	Logger zerolog.Logger
	// AllowRemote accepts connections from non-loopback addresses.
	AllowRemote bool
}

type Server struct {
	ctrl        *streaming.Controller
	log         zerolog.Logger
	allowRemote bool

	upgrader websocket.Upgrader
	sessions atomic.Int64
}

func NewServer(c *streaming.Controller, opts Options) *Server {
	return &Server{
		ctrl:        c,
		log:         opts.Logger.With().Str("component", "viewer_ws").Logger(),
		allowRemote: opts.AllowRemote,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Sessions is the number of connected viewers.
func (s *Server) Sessions() int { return int(s.sessions.Load()) }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send HELLO first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		hello, err := viewerproto.DecodeHello(msg)
		if err != nil {
			s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("bad hello")
			closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
			return
		}

		sid := uuid.NewString()
		out := make(chan []byte, queueSize(hello.MaxQueue))
		var dropped atomic.Uint64
		opts := streaming.ViewerOptions{ViewDistance: hello.ViewDistance}
		if p := hello.Position; p != nil {
			opts.Position = mgl64.Vec3{p[0], p[1], p[2]}
		}
		if hello.Chunks {
			size := 1 << s.ctrl.BlockSizePo2()
			opts.OnBlock = func(pos mathx.Vec3i, voxels *voxel.Buffer) {
				b, err := json.Marshal(viewerproto.ChunkMsg{
					Type:            viewerproto.TypeChunk,
					ProtocolVersion: viewerproto.Version,
					Pos:             [3]int{pos.X, pos.Y, pos.Z},
					Size:            size,
					Encoding:        viewerproto.EncodingRLE,
					Data:            encoding.EncodeChannel(voxels, voxel.ChannelType),
				})
				if err != nil {
					return
				}
				select {
				case out <- b:
				default:
					dropped.Add(1)
				}
			}
		}

		id := s.ctrl.AddViewer(opts)
		s.sessions.Add(1)
		log := s.log.With().Str("session", sid).Uint32("viewer", uint32(id)).Logger()
		log.Info().Str("name", hello.Name).Str("remote", r.RemoteAddr).Msg("viewer connected")
		stats, unsubscribe := s.ctrl.Subscribe()
		defer func() {
			unsubscribe()
			_ = s.ctrl.RemoveViewer(id)
			s.sessions.Add(-1)
			log.Info().Uint64("chunks_dropped", dropped.Load()).Msg("viewer disconnected")
		}()

		viewDistance := hello.ViewDistance
		if viewDistance <= 0 {
			viewDistance = s.ctrl.Settings().ViewDistance
		}
		if err := writeJSON(conn, viewerproto.WelcomeMsg{
			Type:            viewerproto.TypeWelcome,
			ProtocolVersion: viewerproto.Version,
			SessionID:       sid,
			BlockSize:       1 << s.ctrl.BlockSizePo2(),
			LODCount:        s.ctrl.LODCount(),
			ViewDistance:    viewDistance,
		}); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for {
				var b []byte
				select {
				case <-ctx.Done():
					return
				case b = <-out:
				case st := <-stats:
					var err error
					if b, err = json.Marshal(statsMsg(st)); err != nil {
						continue
					}
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return
				}
			}
		}()

		// Reader loop: POSITION updates.
		for ctx.Err() == nil {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := viewerproto.DecodeBase(msg)
			if err != nil || base.Type != viewerproto.TypePosition {
				continue
			}
			pm, err := viewerproto.DecodePosition(msg)
			if err != nil {
				log.Debug().Err(err).Msg("bad position")
				continue
			}
			p := pm.Position
			if err := s.ctrl.SetViewerPosition(id, mgl64.Vec3{p[0], p[1], p[2]}); err != nil {
				break
			}
			if pm.ViewDistance > 0 {
				_ = s.ctrl.SetViewerViewDistance(id, pm.ViewDistance)
			}
		}

		cancel()
		closeWith(conn, websocket.CloseNormalClosure, "bye")
		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func statsMsg(st streaming.Stats) viewerproto.StatsMsg {
	return viewerproto.StatsMsg{
		Type:            viewerproto.TypeStats,
		ProtocolVersion: viewerproto.Version,
		Tick:            st.Tick,
		Viewers:         st.Viewers,
		Loaded:          st.Loaded,
		Loading:         st.Loading,
		OctreeNodes:     st.OctreeNodes,
		VisibleMeshes:   st.VisibleMeshes,
		Triangles:       st.Triangles,
		TickMillis:      st.TickMillis,
	}
}

func queueSize(n int) int {
	if n <= 0 {
		return defaultMaxQueue
	}
	return mathx.ClampInt(n, 8, maxMaxQueue)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
