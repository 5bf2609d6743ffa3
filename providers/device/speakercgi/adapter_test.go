package speakercgi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KimJeHyun91/observer-pro-sub005/api/dispatch"
	"github.com/KimJeHyun91/observer-pro-sub005/internal/runtime/device/contracts"
)

func target(ts *httptest.Server) dispatch.DeviceTarget {
	return dispatch.DeviceTarget{Address: strings.TrimPrefix(ts.URL, "http://"), Kind: dispatch.KindSpeakerVendorA}
}

func TestExecuteClickAndPlay(t *testing.T) {
	t.Parallel()

	var queries []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultPath, r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		queries = append(queries, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"result":"success"}`))
	}))
	defer ts.Close()

	adapter := NewAdapter(Config{Username: "admin", Password: "secret", Client: ts.Client()})
	require.Equal(t, dispatch.KindSpeakerVendorA, adapter.Kind())

	require.NoError(t, adapter.Execute(context.Background(), contracts.Command{
		Target:  target(ts),
		Payload: dispatch.NewCommandSignal(dispatch.SignalClick),
	}))
	require.NoError(t, adapter.Execute(context.Background(), contracts.Command{
		Target:  target(ts),
		Payload: dispatch.NewTextMessage("lobby closing", 0),
		Clip:    &contracts.ClipRef{URL: "http://dispatch.local/clips/abc.wav", Format: dispatch.FormatWAV},
	}))

	require.Len(t, queries, 2)
	assert.Equal(t, "action=click", queries[0])
	assert.Contains(t, queries[1], "action=play")
	assert.Contains(t, queries[1], "clip=http%3A%2F%2Fdispatch.local%2Fclips%2Fabc.wav")
}

func TestExecuteFailureReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "non_2xx", status: http.StatusInternalServerError, body: `{}`, want: "device error (status 500)"},
		{name: "malformed", status: http.StatusOK, body: `<html>`, want: "malformed body"},
		{name: "missing_result", status: http.StatusOK, body: `{}`, want: "missing result"},
		{name: "device_failure", status: http.StatusOK, body: `{"result":"fail","message":"busy"}`, want: "device reported failure: busy"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			err := NewAdapter(Config{Client: ts.Client()}).Execute(context.Background(), contracts.Command{
				Target:  target(ts),
				Payload: dispatch.NewCommandSignal(dispatch.SignalClick),
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestExecuteRejectsUnplayablePayloads(t *testing.T) {
	t.Parallel()

	adapter := NewAdapter(Config{})
	tgt := dispatch.DeviceTarget{Address: "127.0.0.1:1", Kind: dispatch.KindSpeakerVendorA}

	err := adapter.Execute(context.Background(), contracts.Command{Target: tgt, Payload: dispatch.NewTextMessage("hi", 0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), contracts.ReasonClipMissing)

	err = adapter.Execute(context.Background(), contracts.Command{Target: tgt, Payload: dispatch.NewCommandSignal(dispatch.SignalOpen)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), contracts.ReasonUnsupportedSignal)
}
