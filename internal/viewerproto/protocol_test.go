package viewerproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeHello(t *testing.T) {
	m, err := DecodeHello([]byte(`{"type":"HELLO","protocol_version":"1.0","name":"cam","view_distance":64,"position":[1.5,2,-3],"chunks":true}`))
	require.NoError(t, err)
	require.Equal(t, 64, m.ViewDistance)
	require.NotNil(t, m.Position)
	require.Equal(t, [3]float64{1.5, 2, -3}, *m.Position)
	require.True(t, m.Chunks)

	m, err = DecodeHello([]byte(`{"type":"HELLO","protocol_version":"1.0"}`))
	require.NoError(t, err)
	require.Nil(t, m.Position)

	for name, msg := range map[string]string{
		"wrong type":      `{"type":"POSITION","protocol_version":"1.0"}`,
		"short position":  `{"type":"HELLO","protocol_version":"1.0","position":[1,2]}`,
		"unknown field":   `{"type":"HELLO","protocol_version":"1.0","token":"x"}`,
		"negative view":   `{"type":"HELLO","protocol_version":"1.0","view_distance":-1}`,
		"not json":        `HELLO`,
		"version":         `{"type":"HELLO","protocol_version":"0.1"}`,
		"missing version": `{"type":"HELLO"}`,
	} {
		_, err := DecodeHello([]byte(msg))
		require.Error(t, err, name)
	}
}

func TestDecodePosition(t *testing.T) {
	m, err := DecodePosition([]byte(`{"type":"POSITION","protocol_version":"1.0","position":[10,20,30],"view_distance":128}`))
	require.NoError(t, err)
	require.Equal(t, [3]float64{10, 20, 30}, m.Position)
	require.Equal(t, 128, m.ViewDistance)

	_, err = DecodePosition([]byte(`{"type":"POSITION","protocol_version":"1.0"}`))
	require.Error(t, err)
	_, err = DecodePosition([]byte(`{"type":"POSITION","protocol_version":"1.0","position":["a",0,0]}`))
	require.Error(t, err)
}

func TestDecodeBase(t *testing.T) {
	b, err := DecodeBase([]byte(`{"type":"POSITION","protocol_version":"1.0","position":[0,0,0]}`))
	require.NoError(t, err)
	require.Equal(t, TypePosition, b.Type)
	_, err = DecodeBase([]byte(`[`))
	require.Error(t, err)
}
