package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/drain"
)

func TestCallAPIDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/admin/drain":
			_, _ = w.Write([]byte(`{"success":true,"data":{"state":"draining","reason":"deploy","remaining":2,"force_closed":0}}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"success":false,"error":{"code":"DRAINING","message":"instance is draining","retry_after_ms":1000}}`))
		}
	}))
	defer srv.Close()

	var st drain.Status
	require.NoError(t, callAPI(context.Background(), http.MethodGet, joinURL(srv.URL+"/", "/admin/drain"), nil, &st))
	assert.Equal(t, drain.StateDraining, st.State)
	assert.Equal(t, 2, st.Remaining)

	err := callAPI(context.Background(), http.MethodPost, srv.URL+"/v1/claim", map[string]string{}, nil)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeDraining))
	d, ok := coreerrors.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
}

func TestPrintDrainStatus(t *testing.T) {
	deadline := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	printDrainStatus(&buf, drain.Status{State: drain.StateCompleted, Reason: "deploy", Deadline: &deadline, ForceClosed: 1})

	out := buf.String()
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "deploy")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), "Companion Gateway v")
}

func TestDeviceSecretPrefersExplicitHex(t *testing.T) {
	deviceSecretHex, deviceSalt, deviceID = "00ff", "", "teddy-001"
	t.Cleanup(func() { deviceSecretHex, deviceSalt, deviceID = "", "", "" })

	secret, err := deviceSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, secret)

	deviceSecretHex = ""
	_, err = deviceSecret()
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))

	deviceSalt = "salt"
	a, err := deviceSecret()
	require.NoError(t, err)
	assert.Len(t, a, 32)
}
