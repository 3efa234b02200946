package message

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "companion-gateway/internal/core/errors"
)

func TestEncodeAudioIsSequencedBinary(t *testing.T) {
	f, err := Encode(Audio{Payload: []byte{1, 2, 3}}, 42)
	require.NoError(t, err)
	assert.True(t, f.Binary)
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(f.Data[:SeqHeaderSize]))
	assert.Equal(t, []byte{1, 2, 3}, f.Data[SeqHeaderSize:])

	_, err = Encode(Audio{Payload: []byte{1}}, 0)
	assert.Error(t, err)
}

func TestEncodeEnvelope(t *testing.T) {
	f, err := Encode(Welcome{SessionID: "s1", Resumed: true, ReplayCount: 3, LastAckedSeq: 7}, 0)
	require.NoError(t, err)
	assert.False(t, f.Binary)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Data, &raw))
	assert.Equal(t, "welcome", raw["type"])
	_, hasSeq := raw["seq"]
	assert.False(t, hasSeq)
	data := raw["data"].(map[string]interface{})
	assert.Equal(t, true, data["resumed"])
	assert.Equal(t, float64(3), data["replay_count"])

	f, err = Encode(Alert{Level: "info", Message: "hi"}, 9)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(f.Data, &raw))
	assert.Equal(t, float64(9), raw["seq"])
}

func TestServerRoundTrip(t *testing.T) {
	msgs := []struct {
		msg ServerMessage
		seq uint64
	}{
		{Welcome{SessionID: "s", Capabilities: Capabilities{MaxBinaryFrame: 1024}}, 0},
		{PolicyUpdate{Settings: map[string]string{"volume": "3"}}, 4},
		{RefreshResponse{Error: "REPLAY_CONFLICT"}, 0},
		{Alert{Level: "warn", Message: "battery"}, 5},
		{RateLimit{Scope: "message", RetryAfterMs: 1500}, 0},
		{MalformedFrame{Reason: "bad"}, 0},
		{PolicyViolation{Reason: "blocked"}, 0},
		{Drain{Reason: "deploy", ReconnectAfterMs: 500}, 0},
		{Audio{Payload: []byte("pcm")}, 6},
	}
	for _, tt := range msgs {
		t.Run(string(tt.msg.Type()), func(t *testing.T) {
			f, err := Encode(tt.msg, tt.seq)
			require.NoError(t, err)
			got, seq, err := DecodeServer(f)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
			assert.Equal(t, tt.seq, seq)
		})
	}
}

func TestDecodeDevice(t *testing.T) {
	ack, err := EncodeDevice(Ack{Seq: 12})
	require.NoError(t, err)
	refresh, err := EncodeDevice(RefreshRequest{RefreshToken: "r", Nonce: "aa11bb22"})
	require.NoError(t, err)
	ping, err := EncodeDevice(Ping{})
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame Frame
		want  DeviceMessage
	}{
		{"ack", ack, Ack{Seq: 12}},
		{"ack seq in envelope", Frame{Data: []byte(`{"type":"ack","seq":3}`)}, Ack{Seq: 3}},
		{"refresh", refresh, RefreshRequest{RefreshToken: "r", Nonce: "aa11bb22"}},
		{"ping", ping, Ping{}},
		{"audio", Frame{Binary: true, Data: []byte{9, 9}}, InboundAudio{Payload: []byte{9, 9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeDevice(tt.frame, 16)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeDeviceMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"not json", Frame{Data: []byte("{")}},
		{"unknown type", Frame{Data: []byte(`{"type":"teleport"}`)}},
		{"ack without seq", Frame{Data: []byte(`{"type":"ack"}`)}},
		{"bad ack data", Frame{Data: []byte(`{"type":"ack","data":{"seq":"x"}}`)}},
		{"refresh missing nonce", Frame{Data: []byte(`{"type":"refresh_request","data":{"refresh_token":"r"}}`)}},
		{"empty audio", Frame{Binary: true}},
		{"oversized audio", Frame{Binary: true, Data: make([]byte, 17)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDevice(tt.frame, 16)
			assert.True(t, coreerrors.IsCode(err, coreerrors.CodeMalformedFrame), "got %v", err)
		})
	}
}

func TestSequenced(t *testing.T) {
	assert.True(t, Sequenced(Audio{}))
	assert.True(t, Sequenced(Alert{}))
	assert.True(t, Sequenced(PolicyUpdate{}))
	assert.False(t, Sequenced(Welcome{}))
	assert.False(t, Sequenced(Drain{}))
	assert.False(t, Sequenced(RateLimit{}))
}

func TestCloseCodeActions(t *testing.T) {
	tests := []struct {
		code   CloseCode
		action Action
	}{
		{CloseIdentityMismatch, ActionReclaim},
		{CloseCredentialMissing, ActionReclaim},
		{CloseCredentialExpired, ActionRefresh},
		{CloseCredentialInvalid, ActionReclaim},
		{CloseRateLimited, ActionBackoff},
		{CloseResumeExpired, ActionReclaim},
		{CloseSuperseded, ActionStop},
		{CloseDraining, ActionResume},
		{CloseInternal, ActionBackoff},
		{CloseAbnormal, ActionBackoff},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.action, tt.code.Action())
		})
	}
}

func TestCloseCodeFor(t *testing.T) {
	assert.Equal(t, CloseIdentityMismatch, CloseCodeFor(coreerrors.New(coreerrors.CodeAuthFailed, "")))
	assert.Equal(t, CloseCredentialExpired, CloseCodeFor(coreerrors.New(coreerrors.CodeTokenExpired, "")))
	assert.Equal(t, CloseCredentialInvalid, CloseCodeFor(coreerrors.New(coreerrors.CodeInvalidToken, "")))
	assert.Equal(t, CloseRateLimited, CloseCodeFor(coreerrors.New(coreerrors.CodeRateLimited, "")))
	assert.Equal(t, CloseResumeExpired, CloseCodeFor(coreerrors.New(coreerrors.CodeResumeFailed, "")))
	assert.Equal(t, CloseInternal, CloseCodeFor(assert.AnError))
}
