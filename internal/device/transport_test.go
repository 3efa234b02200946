package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/protocol/message"
)

func TestNewWSDialerRewritesScheme(t *testing.T) {
	for in, want := range map[string]string{
		"http://gw.local:8080":  "ws://gw.local:8080/v1/stream",
		"https://gw.example/":   "wss://gw.example/v1/stream",
		"wss://gw.example/base": "wss://gw.example/base/v1/stream",
	} {
		d, err := NewWSDialer(in)
		require.NoError(t, err)
		assert.Equal(t, want, d.streamURL)
	}

	_, err := NewWSDialer("ftp://gw.example")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestWSDialerCarriesIdentityAndCloseCode(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stream", r.URL.Path)
		assert.Equal(t, testDevice, r.URL.Query().Get("device_id"))
		assert.Equal(t, testCompanion, r.URL.Query().Get("companion_id"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		f, _ := message.Encode(message.Welcome{SessionID: "s"}, 0)
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, f.Data))

		_, data, err := conn.ReadMessage()
		if !assert.NoError(t, err) {
			return
		}
		msg, err := message.DecodeDevice(message.Frame{Data: data}, 0)
		assert.NoError(t, err)
		assert.Equal(t, message.Ack{Seq: 7}, msg)

		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(int(message.CloseCredentialExpired), "expired"), time.Now().Add(time.Second))
	}))
	defer srv.Close()

	d, err := NewWSDialer(srv.URL)
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), Target{DeviceID: testDevice, CompanionID: testCompanion, AccessToken: "tok"})
	require.NoError(t, err)
	defer conn.Close(message.CloseNormal, "")

	f, err := conn.ReadFrame()
	require.NoError(t, err)
	msg, _, err := message.DecodeServer(f)
	require.NoError(t, err)
	assert.Equal(t, "s", msg.(message.Welcome).SessionID)

	ack, err := message.EncodeDevice(message.Ack{Seq: 7})
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(ack))

	_, err = conn.ReadFrame()
	require.Error(t, err)
	assert.Equal(t, message.CloseCredentialExpired, closeCodeOf(err))
	assert.Equal(t, message.ActionRefresh, closeCodeOf(err).Action())
}

func TestWSDialerReportsDraining(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, err := NewWSDialer(srv.URL)
	require.NoError(t, err)
	_, err = d.Dial(context.Background(), Target{DeviceID: testDevice, AccessToken: "tok"})
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeDraining))
	hint, ok := coreerrors.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, hint)
}

func TestCloseCodeOfUnknownError(t *testing.T) {
	assert.Equal(t, message.CloseAbnormal, closeCodeOf(assert.AnError))
	assert.Equal(t, message.ActionBackoff, closeCodeOf(assert.AnError).Action())
}
