package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

type triggerRecorder struct {
	reasons chan string
}

func newTriggerRecorder() *triggerRecorder {
	return &triggerRecorder{reasons: make(chan string, 8)}
}

func (r *triggerRecorder) trigger(reason string) {
	r.reasons <- reason
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSecret(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webhook_secret")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testServer(t *testing.T) (*Server, *triggerRecorder) {
	t.Helper()
	rec := newTriggerRecorder()
	s, err := NewServer(Config{
		ListenAddr:        "127.0.0.1:0",
		SecretFile:        writeSecret(t, testSecret+"\n"),
		AllowedEventTypes: []string{"push"},
		BranchRef:         "refs/heads/master",
	}, rec.trigger, testLogger())
	require.NoError(t, err)
	return s, rec
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushRequest(t *testing.T, event, ref string) *http.Request {
	t.Helper()
	body := []byte(fmt.Sprintf(`{"ref":%q,"after":"abc123","repository":{"full_name":"me/notes"}}`, ref))
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, testSecret))
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestNewServer_SecretFile(t *testing.T) {
	_, err := NewServer(Config{SecretFile: filepath.Join(t.TempDir(), "missing")}, func(string) {}, testLogger())
	assert.ErrorContains(t, err, "failed to read webhook secret")

	_, err = NewServer(Config{SecretFile: writeSecret(t, " \n")}, func(string) {}, testLogger())
	assert.ErrorContains(t, err, "is empty")
}

func TestHandleWebhook_ValidPush(t *testing.T) {
	s, rec := testServer(t)

	w := serve(s, pushRequest(t, "push", "refs/heads/master"))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "Sync triggered\n", w.Body.String())
	assert.Equal(t, "webhook", <-rec.reasons)
}

func TestHandleWebhook_Rejections(t *testing.T) {
	s, rec := testServer(t)

	tests := []struct {
		name     string
		req      func() *http.Request
		wantCode int
		wantBody string
	}{
		{
			name:     "method",
			req:      func() *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) },
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name: "content type",
			req: func() *http.Request {
				r := pushRequest(t, "push", "refs/heads/master")
				r.Header.Set("Content-Type", "text/plain")
				return r
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "signature",
			req: func() *http.Request {
				r := pushRequest(t, "push", "refs/heads/master")
				r.Header.Set("X-Hub-Signature-256", computeSignature([]byte("other"), testSecret))
				return r
			},
			wantCode: http.StatusForbidden,
		},
		{
			name: "missing signature",
			req: func() *http.Request {
				r := pushRequest(t, "push", "refs/heads/master")
				r.Header.Del("X-Hub-Signature-256")
				return r
			},
			wantCode: http.StatusForbidden,
		},
		{
			name:     "event type",
			req:      func() *http.Request { return pushRequest(t, "issues", "refs/heads/master") },
			wantCode: http.StatusOK,
			wantBody: "Event type not configured for sync\n",
		},
		{
			name:     "other branch",
			req:      func() *http.Request { return pushRequest(t, "push", "refs/heads/feature") },
			wantCode: http.StatusOK,
			wantBody: "Ref not configured for sync\n",
		},
		{
			name:     "ping",
			req:      func() *http.Request { return pushRequest(t, "ping", "") },
			wantCode: http.StatusOK,
			wantBody: "pong\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(s, tt.req())
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
	assert.Empty(t, rec.reasons)
}

func TestHandleWebhook_InvalidPayload(t *testing.T) {
	s, _ := testServer(t)
	body := []byte("{not json")
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, testSecret))

	assert.Equal(t, http.StatusBadRequest, serve(s, req).Code)
}

func TestVerifySignature(t *testing.T) {
	s, _ := testServer(t)
	body := []byte(`{"ref":"refs/heads/master"}`)

	assert.True(t, s.verifySignature(body, computeSignature(body, testSecret)))
	assert.False(t, s.verifySignature(body, computeSignature(body, "wrong")))
	assert.False(t, s.verifySignature(body, ""))
	assert.False(t, s.verifySignature(body, "sha256="))
	assert.False(t, s.verifySignature(body, "sha1=abc"))
}

func TestIsEventTypeAllowed_EmptyAllowsAll(t *testing.T) {
	s, _ := testServer(t)
	s.cfg.AllowedEventTypes = nil
	assert.True(t, s.isEventTypeAllowed("anything"))
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	s, rec := testServer(t)

	// Reserve a free port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.cfg.ListenAddr = l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		req := pushRequest(t, "push", "refs/heads/master")
		out, err := http.NewRequest(http.MethodPost, "http://"+s.cfg.ListenAddr+"/", req.Body)
		if err != nil {
			return false
		}
		out.Header = req.Header
		resp, err = http.DefaultClient.Do(out)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "webhook", <-rec.reasons)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestActivatedListener_NotActivated(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	l, err := activatedListener()
	require.NoError(t, err)
	assert.Nil(t, l)

	t.Setenv("LISTEN_PID", "99999999")
	t.Setenv("LISTEN_FDS", "1")
	l, err = activatedListener()
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestActivatedListener_InvalidEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", "not-a-number")
	_, err := activatedListener()
	assert.Error(t, err)

	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "many")
	_, err = activatedListener()
	assert.Error(t, err)

	t.Setenv("LISTEN_FDS", "0")
	l, err := activatedListener()
	require.NoError(t, err)
	assert.Nil(t, l)
}
