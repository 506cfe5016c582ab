package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFRPS_EchoesPayloadWithAdmission(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{"op":"Login","content":{"client_address":"203.0.113.7:41000","metas":{"deviceId":"dev-1"}}}`)
	rec := ts.do(t, http.MethodPost, "/inner/frps/frps_0", body)

	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, false, got["reject"])
	require.Equal(t, true, got["unchange"])
	require.Equal(t, "Login", got["op"])
	require.Contains(t, got, "content")

	require.Len(t, ts.processor.events, 1)
	require.Equal(t, "frps_0", ts.processor.events[0].frpsID)
	require.Equal(t, "Login", ts.processor.events[0].ev.Op)
}

func TestFRPS_WithoutInstanceID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/inner/frps", []byte(`{"op":"Ping","content":{}}`))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, ts.processor.events, 1)
	require.Equal(t, "", ts.processor.events[0].frpsID)
}

func TestFRPS_BadInstanceID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/inner/frps/bogus", []byte(`{"op":"Ping","content":{}}`))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Not Found", rec.Body.String())
	require.Empty(t, ts.processor.events)
}

func TestFRPS_BadJSON(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/inner/frps/frps_0", []byte(`{nope`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, ts.processor.events)
}

func TestFRPS_SideEffectFailureStillAdmits(t *testing.T) {
	ts := newTestServer(t)
	ts.processor.err = errors.New("db down")

	rec := ts.do(t, http.MethodPost, "/inner/frps/frps_0", []byte(`{"op":"Ping","content":{}}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, false, got["reject"])
	require.Equal(t, true, got["unchange"])
}
