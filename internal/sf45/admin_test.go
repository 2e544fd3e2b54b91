package sf45

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rangefinder/internal/testutil"
)

func adminMux(t *testing.T) (*http.ServeMux, *Session, *Controller, *Hub) {
	t.Helper()
	_, s, c := newStreamingSession(t)
	_, err := s.RefreshIdentity(context.Background())
	require.NoError(t, err)
	hub := NewHub(64)
	mux := http.NewServeMux()
	AttachAdminRoutes(mux, s, hub)
	return mux, s, c, hub
}

func TestAdmin_StatusJSON(t *testing.T) {
	mux, s, _, _ := adminMux(t)
	require.NoError(t, s.SetSampleRate(context.Background(), Rate200Hz))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalRequest(http.MethodGet, "/debug/sf45?format=json", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, true, got["has_identity"])
	assert.Equal(t, "Idle", got["state"])
	assert.Equal(t, true, got["rate_known"])
	identity := got["identity"].(map[string]any)
	assert.Equal(t, "SF45", identity["model"])
	assert.Equal(t, "2.1.3", identity["firmware_version"])
	assert.NotContains(t, got, "link", "the spy has no link stats")
}

func TestAdmin_StatusHTML(t *testing.T) {
	mux, _, _, _ := adminMux(t)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalRequest(http.MethodGet, "/debug/sf45", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "A1B2C3")
	assert.Contains(t, body, "Idle")
}

func TestAdmin_RejectsRemoteCallers(t *testing.T) {
	mux, _, _, _ := adminMux(t)

	req := httptest.NewRequest(http.MethodGet, "/debug/sf45", nil)
	req.RemoteAddr = "203.0.113.7:40000"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "A1B2C3")
}

func TestAdmin_StreamControl(t *testing.T) {
	mux, _, c, _ := adminMux(t)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
		state  StreamingState
		body   string
	}{
		{"get not allowed", http.MethodGet, nil, http.StatusMethodNotAllowed, Idle, "method not allowed"},
		{"missing action", http.MethodPost, url.Values{}, http.StatusBadRequest, Idle, "missing action"},
		{"unknown action", http.MethodPost, url.Values{"action": {"pause"}}, http.StatusBadRequest, Idle, "unknown action"},
		{"start", http.MethodPost, url.Values{"action": {"start"}}, http.StatusOK, Running, `"state":"Running"`},
		{"start twice", http.MethodPost, url.Values{"action": {"start"}}, http.StatusConflict, Running, "already running"},
		{"stop", http.MethodPost, url.Values{"action": {"stop"}}, http.StatusOK, Idle, `"state":"Idle"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.form != nil {
				body = strings.NewReader(tt.form.Encode())
			}
			req := testutil.LocalRequest(tt.method, "/debug/sf45-stream", body)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
			assert.Equal(t, tt.state, c.State())
		})
	}
}

func TestAdmin_StreamControl_NoController(t *testing.T) {
	s := NewSession(newSpy())
	mux := http.NewServeMux()
	AttachAdminRoutes(mux, s, NewHub(1))

	req := testutil.LocalRequest(http.MethodPost, "/debug/sf45-stream", strings.NewReader("action=start"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "no stream controller")
}

func TestAdmin_TailStreamsEvents(t *testing.T) {
	mux, _, _, hub := adminMux(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/debug/tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.True(t, strings.HasPrefix(scanner.Text(), ": ping"))
	require.Equal(t, 1, hub.Subscribers())

	hub.Publish(Event{Seq: 7, Sample: PointSample{FirstDistRaw: 321}})
	hub.Publish(Event{Seq: 8, Err: errLinkDown})

	var payloads []map[string]any
	for len(payloads) < 2 && scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m))
		payloads = append(payloads, m)
	}
	require.Len(t, payloads, 2)
	assert.Equal(t, float64(7), payloads[0]["seq"])
	assert.Equal(t, float64(321), payloads[0]["sample"].(map[string]any)["first_dist_raw"])
	assert.Equal(t, errLinkDown.Error(), payloads[1]["error"])

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
