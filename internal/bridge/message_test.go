package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_RoundTrip(t *testing.T) {
	in := valuesMessage(map[string]any{
		"temperature":           21.5,
		"ConfigTemperatureUnit": "Celsius",
		"enabled":               true,
		"humidity":              nil,
	})

	data, err := marshal(in)
	require.NoError(t, err)

	out, err := unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, TypeValues, out.Type)
	assert.Equal(t, 21.5, out.Values["temperature"])
	assert.Equal(t, "Celsius", out.Values["ConfigTemperatureUnit"])
	assert.Equal(t, true, out.Values["enabled"])

	v, ok := out.Values["humidity"]
	assert.True(t, ok, "get key must survive the round trip")
	assert.Nil(t, v)
}

func TestMessage_DeterministicEncoding(t *testing.T) {
	a, err := marshal(valuesMessage(map[string]any{"a": 1.0, "b": "x", "c": false}))
	require.NoError(t, err)
	b, err := marshal(valuesMessage(map[string]any{"c": false, "b": "x", "a": 1.0}))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMessage_Check(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{name: "attach", msg: Message{Version: ProtocolVersion, Type: TypeAttach}},
		{name: "future version", msg: Message{Version: 2, Type: TypeValues}, wantErr: ErrUnsupportedVersion},
		{name: "missing version", msg: Message{Type: TypeValues}, wantErr: ErrUnsupportedVersion},
		{name: "unknown type", msg: Message{Version: ProtocolVersion, Type: "subscribe"}, wantErr: ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encMode.Marshal(tt.msg)
			require.NoError(t, err)

			_, err = unmarshal(data)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUnmarshal_Garbage(t *testing.T) {
	_, err := unmarshal([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestRejectReason_RoundTrip(t *testing.T) {
	for _, err := range []error{ErrContractBusy, ErrContractMismatch, ErrUnsupportedVersion} {
		assert.ErrorIs(t, rejectError(rejectReason(err)), err)
	}
	assert.ErrorIs(t, rejectError(rejectReason(ErrQueueFull)), ErrProtocol)
}
