package sf45

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rangefinder/internal/httputil"
	"github.com/banshee-data/rangefinder/internal/lwnx"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var statusTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/status.html.tmpl"))

// Status is a snapshot of the session for the debug pages.
type Status struct {
	Identity    UnitIdentity `json:"identity"`
	HasIdentity bool         `json:"has_identity"`
	Closed      bool         `json:"closed"`
	State       string       `json:"state"`
	Streaming   bool         `json:"streaming"`
	SampleRate  SampleRate   `json:"sample_rate"`
	RateKnown   bool         `json:"rate_known"`
	Fields      OutputFields `json:"fields"`
	FieldsKnown bool         `json:"fields_known"`
	Subscribers int          `json:"subscribers"`
	Dropped     uint64       `json:"dropped"`
	LastErr     string       `json:"last_error,omitempty"`
	Link        *lwnx.Stats  `json:"link,omitempty"`
}

// Snapshot collects a Status. hub may be nil.
func Snapshot(s *Session, hub *Hub) Status {
	st := Status{Closed: s.Closed(), Streaming: s.Streaming(), State: Idle.String()}
	st.Identity, st.HasIdentity = s.Identity()
	st.SampleRate, st.RateKnown = s.CachedSampleRate()
	st.Fields, st.FieldsKnown = s.CachedOutputFields()
	if c := s.Controller(); c != nil {
		st.State = c.State().String()
		if err := c.Err(); err != nil {
			st.LastErr = err.Error()
		}
	}
	if hub != nil {
		st.Subscribers = hub.Subscribers()
		st.Dropped = hub.TotalDropped()
	}
	if ls, ok := s.Transport().(interface{ Stats() lwnx.Stats }); ok {
		stats := ls.Stats()
		st.Link = &stats
	}
	return st
}

// tailEvent is the SSE payload for one Event.
type tailEvent struct {
	Event
	Error string `json:"error,omitempty"`
}

// AttachAdminRoutes attaches debugging endpoints served under /debug/. Like
// all tsweb debug pages they are restricted to local and tailnet callers.
func AttachAdminRoutes(mux *http.ServeMux, s *Session, hub *Hub) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("sf45", "SF45 session status", func(w http.ResponseWriter, r *http.Request) {
		st := Snapshot(s, hub)
		if r.URL.Query().Get("format") == "json" {
			httputil.WriteJSONOK(w, st)
			return
		}
		buf := bytes.NewBuffer(nil)
		if err := statusTemplate.Execute(buf, st); err != nil {
			httputil.InternalServerError(w, "failed to render template")
			return
		}
		io.Copy(w, buf)
	})

	// Start or stop the stream controller, publishing into the hub.
	debug.HandleSilentFunc("sf45-stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		c := s.Controller()
		if c == nil || hub == nil {
			httputil.Conflict(w, "no stream controller")
			return
		}
		switch action := strings.TrimSpace(r.FormValue("action")); action {
		case "start":
			if err := c.Start(hub.Publish); err != nil {
				httputil.Conflict(w, err.Error())
				return
			}
		case "stop":
			c.Stop()
		case "":
			httputil.BadRequest(w, "missing action")
			return
		default:
			httputil.BadRequest(w, fmt.Sprintf("unknown action %q", action))
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"state": c.State().String()})
	})

	// Server-sent events of every hub event as JSON.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		if hub == nil {
			httputil.Conflict(w, "no event hub")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := hub.Subscribe()
		defer hub.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case ev, ok := <-c:
				if !ok {
					return
				}
				te := tailEvent{Event: ev}
				if ev.Err != nil {
					te.Error = ev.Err.Error()
				}
				payload, err := json.Marshal(te)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
