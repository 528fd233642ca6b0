package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

func newServer(t *testing.T, handler http.Handler) *Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(servicelog.Nop(), ts.Client(), Config{
		ApiURL:   ts.URL,
		DeviceID: "cam-1",
		Timeout:  time.Second,
	})
}

func TestOpenSession(t *testing.T) {
	var got map[string]interface{}
	server := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sessions/open", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{
			"session_id": "sess-42",
			"start_ts":   "2026-08-24T10:00:00Z",
		})
	}))

	id, err := server.Open(context.Background(), time.Now(), "/cam-1", "detection")
	require.NoError(t, err)
	assert.Equal(t, "sess-42", id)
	assert.Equal(t, "cam-1", got["device_id"])
	assert.Equal(t, "/cam-1", got["stream_path"])
	assert.Equal(t, "detection", got["reason"])
}

func TestOpenRejectsEmptySessionID(t *testing.T) {
	server := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"session_id": ""})
	}))
	_, err := server.Open(context.Background(), time.Now(), "", "")
	assert.ErrorIs(t, err, EmptySessionIDError)
}

func TestOpenServerError(t *testing.T) {
	server := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database down", http.StatusServiceUnavailable)
	}))
	_, err := server.Open(context.Background(), time.Now(), "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "database down")
}

func TestCloseSession(t *testing.T) {
	var got map[string]string
	server := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sessions/close", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))

	end := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	require.NoError(t, server.Close(context.Background(), "sess-42", end))
	assert.Equal(t, "sess-42", got["session_id"])
	assert.Equal(t, "2026-08-24T10:30:00Z", got["end_ts"])
}

func TestListRange(t *testing.T) {
	server := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sessions/range", r.URL.Path)
		assert.Equal(t, "person,car", r.URL.Query().Get("classes"))
		assert.NotEmpty(t, r.URL.Query().Get("from"))
		assert.NotEmpty(t, r.URL.Query().Get("to"))
		json.NewEncoder(w).Encode([]SessionInfo{
			{SessionID: "a", DeviceID: "cam-1"},
			{SessionID: "b", DeviceID: "cam-1"},
		})
	}))

	sessions, err := server.ListRange(context.Background(),
		time.Now().Add(-time.Hour), time.Now(), []string{"person", "car"})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].SessionID)
}

func TestIngestMultipart(t *testing.T) {
	var meta EvidenceMeta
	var frame []byte
	server := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ingest", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		metaFile, _, err := r.FormFile("meta")
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(metaFile).Decode(&meta))

		frameFile, header, err := r.FormFile("frame")
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))
		frame, err = io.ReadAll(frameFile)
		require.NoError(t, err)

		json.NewEncoder(w).Encode(IngestReply{Inserted: 1})
	}))

	reply, err := server.Ingest(context.Background(), EvidenceMeta{
		SessionID: "sess-42",
		BatchID:   "batch-1",
		EventID:   "event-1",
		FrameID:   7,
		TsUTC:     "2026-08-24T10:00:00Z",
		Detections: []detect.Detection{
			{Class: "person", Conf: 0.8, TrackID: "t1"},
		},
	}, []byte{0xff, 0xd8, 0xff})
	require.NoError(t, err)
	assert.Equal(t, 1, reply.Inserted)
	assert.Equal(t, "sess-42", meta.SessionID)
	assert.Equal(t, uint64(7), meta.FrameID)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, frame)
}

func TestIngestServerError(t *testing.T) {
	server := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
	}))
	_, err := server.Ingest(context.Background(), EvidenceMeta{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}
