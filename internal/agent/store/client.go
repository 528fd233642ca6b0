// Package store is the thin REST client for the session store backend:
// session open/close, evidence ingest, and range queries.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

type serverError string

func (e serverError) Error() string {
	return string(e)
}

const (
	EmptySessionIDError = serverError("server issued an empty session id")
)

// Client is the minimal surface of the http.Client we use.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// loggedClient wraps a Client and traces every request at debug level.
type loggedClient struct {
	logger servicelog.Logger
	client Client
}

// Logged decorates a Client with debug request/response logging.
func Logged(logger servicelog.Logger, client Client) Client {
	return loggedClient{logger: logger, client: client}
}

func (l loggedClient) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.client.Do(req)
	attribs := []servicelog.Attrib{
		servicelog.String("method", req.Method),
		servicelog.String("url", req.URL.String()),
		servicelog.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		l.logger.Debug("request failed", append(attribs, servicelog.Error(err))...)
		return resp, err
	}
	l.logger.Debug("request done", append(attribs, servicelog.Int("status", resp.StatusCode))...)
	return resp, err
}

// Config for the session store client.
type Config struct {
	ApiURL     string
	DeviceID   string
	Timeout    time.Duration
	SkipVerify bool
}

// Server talks to the session store backend.
type Server struct {
	logger servicelog.Logger
	client Client
	config Config
}

func New(logger servicelog.Logger, client Client, config Config) *Server {
	return &Server{
		logger: logger.With(servicelog.String("apiUrl", config.ApiURL)),
		client: client,
		config: config,
	}
}

func exhaust(body io.ReadCloser) {
	if body != nil {
		io.Copy(io.Discard, body)
		body.Close()
	}
}

func bodyToError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}

type openRequest struct {
	DeviceID   string `json:"device_id"`
	StartTs    string `json:"start_ts"`
	StreamPath string `json:"stream_path,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type openReply struct {
	SessionID string `json:"session_id"`
	StartTs   string `json:"start_ts"`
}

type closeRequest struct {
	SessionID string `json:"session_id"`
	EndTs     string `json:"end_ts,omitempty"`
}

// SessionInfo is one row of a range query.
type SessionInfo struct {
	SessionID   string `json:"session_id"`
	OpenedAtUTC string `json:"opened_at_utc"`
	ClosedAtUTC string `json:"closed_at_utc,omitempty"`
	DeviceID    string `json:"device_id"`
}

// Open asks the server to issue a session id. Non-2xx responses are
// surfaced as errors; the orchestrator decides how to degrade.
func (s *Server) Open(ctx context.Context, startTs time.Time, streamPath, reason string) (string, error) {
	body := openRequest{
		DeviceID:   s.config.DeviceID,
		StartTs:    startTs.UTC().Format(time.RFC3339Nano),
		StreamPath: streamPath,
		Reason:     reason,
	}
	var reply openReply
	if err := s.postJSON(ctx, "/sessions/open", body, &reply); err != nil {
		return "", err
	}
	if reply.SessionID == "" {
		return "", EmptySessionIDError
	}
	return reply.SessionID, nil
}

// Close ends a session. Closing an already closed session returns the
// server's error; callers treat it as non-fatal.
func (s *Server) Close(ctx context.Context, sessionID string, endTs time.Time) error {
	body := closeRequest{SessionID: sessionID}
	if !endTs.IsZero() {
		body.EndTs = endTs.UTC().Format(time.RFC3339Nano)
	}
	return s.postJSON(ctx, "/sessions/close", body, nil)
}

// ListRange queries sessions between two instants, optionally filtered
// by class. Only external observers need this; the core loop does not.
func (s *Server) ListRange(ctx context.Context, from, to time.Time, classes []string) ([]SessionInfo, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	if len(classes) > 0 {
		q.Set("classes", strings.Join(classes, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.ApiURL+"/sessions/range?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if resp != nil {
		defer exhaust(resp.Body)
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, bodyToError(resp)
	}
	var sessions []SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Server) postJSON(ctx context.Context, path string, body, reply interface{}) error {
	buffer := &bytes.Buffer{}
	if err := json.NewEncoder(buffer).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.ApiURL+path, buffer)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if resp != nil {
		defer exhaust(resp.Body)
	}
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 204 {
		return bodyToError(resp)
	}
	if reply != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(reply)
	}
	return nil
}

// EvidenceMeta is the JSON part of an evidence upload.
type EvidenceMeta struct {
	SessionID  string             `json:"session_id"`
	BatchID    string             `json:"batch_id"`
	EventID    string             `json:"event_id"`
	FrameID    uint64             `json:"frame_id"`
	TsUTC      string             `json:"ts_utc"`
	Detections []detect.Detection `json:"detections"`
}

// IngestReply reports server-side deduplication results.
type IngestReply struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// Ingest uploads one evidence record: meta.json plus the JPEG frame as
// a multipart request. The server deduplicates per event_id per
// session, so retried batches are idempotent.
func (s *Server) Ingest(ctx context.Context, meta EvidenceMeta, frame []byte) (IngestReply, error) {
	var zero IngestReply
	buffer := &bytes.Buffer{}
	mwriter := multipart.NewWriter(buffer)

	metaHeader := make(textproto.MIMEHeader)
	metaHeader.Set("Content-Disposition", `form-data; name="meta"; filename="meta.json"`)
	metaHeader.Set("Content-Type", "application/json")
	metaPart, err := mwriter.CreatePart(metaHeader)
	if err != nil {
		return zero, err
	}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return zero, err
	}

	frameHeader := make(textproto.MIMEHeader)
	frameHeader.Set("Content-Disposition", fmt.Sprintf(
		`form-data; name="frame"; filename="%s"`, escapeQuotes(fmt.Sprintf("frame_%d.jpg", meta.FrameID))))
	frameHeader.Set("Content-Type", "image/jpeg")
	framePart, err := mwriter.CreatePart(frameHeader)
	if err != nil {
		return zero, err
	}
	if _, err := framePart.Write(frame); err != nil {
		return zero, err
	}
	if err := mwriter.Close(); err != nil {
		return zero, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.ApiURL+"/ingest", buffer)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Content-Type", mwriter.FormDataContentType())
	resp, err := s.client.Do(req)
	if resp != nil {
		defer exhaust(resp.Body)
	}
	if err != nil {
		return zero, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 204 {
		return zero, bodyToError(resp)
	}
	var reply IngestReply
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return zero, err
		}
	}
	return reply, nil
}
