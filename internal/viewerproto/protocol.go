// Package viewerproto defines the JSON messages of the viewer feed
// (/v1/stream). Inbound messages are checked against embedded schemas.
package viewerproto

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const Version = "1.0"

// Message types.
const (
	TypeHello    = "HELLO"
	TypePosition = "POSITION"
	TypeWelcome  = "WELCOME"
	TypeStats    = "STATS"
	TypeChunk    = "CHUNK"
)

// EncodingRLE is the chunk encoding: base64 of uvarint (value, run) pairs
// over the TYPE channel in ZXY order (Y fastest).
const EncodingRLE = "RLE_UVARINT_ZXY"

var (
	//go:embed schemas/hello.schema.json
	helloSchemaText string
	//go:embed schemas/position.schema.json
	positionSchemaText string

	helloSchema    = jsonschema.MustCompileString("hello.schema.json", helloSchemaText)
	positionSchema = jsonschema.MustCompileString("position.schema.json", positionSchemaText)
)

type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// Client -> Server. First message on the connection.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Name            string `json:"name,omitempty"`
	// ViewDistance in voxels; zero uses the server setting.
	ViewDistance int         `json:"view_distance,omitempty"`
	Position     *[3]float64 `json:"position,omitempty"`
	// Chunks asks for CHUNK messages of loaded blocks.
	Chunks   bool `json:"chunks,omitempty"`
	MaxQueue int  `json:"max_queue,omitempty"`
}

// Client -> Server. Moves the viewer.
type PositionMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Position        [3]float64 `json:"position"`
	ViewDistance    int        `json:"view_distance,omitempty"`
}

// Server -> Client. Reply to HELLO.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	BlockSize       int    `json:"block_size"`
	LODCount        int    `json:"lod_count"`
	ViewDistance    int    `json:"view_distance"`
}

// Server -> Client. Sent every tick, latest only.
type StatsMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Tick            uint64  `json:"tick"`
	Viewers         int     `json:"viewers"`
	Loaded          []int   `json:"loaded"`
	Loading         int     `json:"loading"`
	OctreeNodes     int     `json:"octree_nodes"`
	VisibleMeshes   int     `json:"visible_meshes"`
	Triangles       int     `json:"triangles"`
	TickMillis      float64 `json:"tick_ms"`
}

// Server -> Client. Contents of one LOD-0 block.
type ChunkMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Pos             [3]int `json:"pos"`
	Size            int    `json:"size"`
	Encoding        string `json:"encoding"`
	Data            string `json:"data"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

func DecodeHello(b []byte) (HelloMsg, error) {
	var m HelloMsg
	if err := validate(helloSchema, b); err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if m.ProtocolVersion != Version {
		return m, fmt.Errorf("protocol_version %q, want %q", m.ProtocolVersion, Version)
	}
	return m, nil
}

func DecodePosition(b []byte) (PositionMsg, error) {
	var m PositionMsg
	if err := validate(positionSchema, b); err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if m.ProtocolVersion != Version {
		return m, fmt.Errorf("protocol_version %q, want %q", m.ProtocolVersion, Version)
	}
	return m, nil
}

func validate(s *jsonschema.Schema, b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return s.Validate(v)
}
