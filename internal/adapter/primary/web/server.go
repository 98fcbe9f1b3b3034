package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"audioguard/internal/domain"
	"audioguard/internal/logging"
	"audioguard/internal/usecase"
)

// Server is a primary adapter that exposes the HTTP API, the event stream
// and a status page. It depends on the engine use case (primary port).
type Server struct {
	engine   usecase.EngineUseCase
	server   *http.Server
	upgrader websocket.Upgrader

	// closing is closed by Shutdown; hijacked event streams are not
	// tracked by http.Server.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates the HTTP server bound to addr.
func NewServer(engine usecase.EngineUseCase, addr string) *Server {
	srv := &Server{
		engine:  engine,
		closing: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	srv.server = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/devices/{id}", s.handleDevice)
	mux.HandleFunc("PUT /api/devices/{id}", s.handleUpdateDevice)
	mux.HandleFunc("GET /api/microphone", s.handleMicrophone)
	mux.HandleFunc("POST /api/apply", s.handleApply)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return loggingMiddleware(mux)
}

// Start blocks and serves HTTP traffic.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Devices())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseDeviceID(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	dev, ok := s.engine.Device(id)
	if !ok {
		respondError(w, http.StatusNotFound, domain.ErrDeviceNotFound)
		return
	}
	respondJSON(w, http.StatusOK, dev)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseDeviceID(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req usecase.DeviceUpdate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	dev, err := s.engine.UpdateDevice(r.Context(), id, req)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, dev)
}

func (s *Server) handleMicrophone(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Snapshot().Microphone)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ApplyNow(r.Context()); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Snapshot().Microphone)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidVolume):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotBound), errors.Is(err, domain.ErrControlDisabled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrDisposed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, errorBody{Error: err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Warnf("encode JSON: %v", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debugf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>audioguard</title>
    <style>
        body { font-family: sans-serif; max-width: 720px; margin: 50px auto; padding: 20px; }
        h1 { color: #333; }
        .info { background: #f0f0f0; padding: 15px; border-radius: 5px; margin: 20px 0; }
        table { border-collapse: collapse; width: 100%; }
        td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
        button { background: #007bff; color: white; border: none; padding: 6px 14px; border-radius: 5px; cursor: pointer; }
        button:hover { background: #0056b3; }
        input[type=number] { width: 60px; }
        #log { font-family: monospace; font-size: 12px; height: 160px; overflow-y: auto; background: #fafafa; }
    </style>
</head>
<body>
    <h1>audioguard</h1>
    <div class="info" id="status">Loading...</div>
    <button onclick="applyNow()">Apply microphone target now</button>
    <h2>Devices</h2>
    <table id="devices"></table>
    <h2>Events</h2>
    <div class="info" id="log"></div>
    <script>
        function pct(v) { return v === null || v === undefined ? '-' : v.toFixed(0) + '%'; }

        async function loadStatus() {
            const res = await fetch('/api/status');
            const data = await res.json();
            const mic = data.microphone;
            let status = 'Devices: ' + data.devices + ', session adjustments: ' + data.sessionAdjustments;
            if (mic.bound) {
                status += '<br>Microphone: ' + mic.deviceName + ' at ' + pct(mic.volume) + ' (target ' + pct(mic.targetVolume) + ', corrections ' + mic.corrections + ')';
            } else {
                status += '<br>No recording device';
            }
            if (mic.lastError) {
                status += '<br>Error: ' + mic.lastError;
            }
            document.getElementById('status').innerHTML = status;
        }

        async function loadDevices() {
            const res = await fetch('/api/devices');
            const devices = await res.json();
            const rows = devices.map(d =>
                '<tr><td>' + d.name + '</td><td>' + d.flow + '</td><td>' + d.state + '</td><td>' + pct(d.volume) + '</td>' +
                '<td><input type="number" min="0" max="100" value="' + d.targetVolume + '" onchange="setTarget(\'' + d.id + '\', this.value)"></td>' +
                '<td><input type="checkbox" ' + (d.controlEnabled ? 'checked' : '') + ' onchange="setControl(\'' + d.id + '\', this.checked)"></td></tr>');
            document.getElementById('devices').innerHTML =
                '<tr><th>Name</th><th>Flow</th><th>State</th><th>Volume</th><th>Target</th><th>Control</th></tr>' + rows.join('');
        }

        async function update(id, payload) {
            await fetch('/api/devices/' + id, {
                method: 'PUT',
                headers: {'Content-Type': 'application/json'},
                body: JSON.stringify(payload)
            });
            await refresh();
        }
        function setTarget(id, v) { update(id, {targetVolume: parseFloat(v)}); }
        function setControl(id, on) { update(id, {controlEnabled: on}); }

        async function applyNow() {
            await fetch('/api/apply', {method: 'POST'});
            await refresh();
        }

        async function refresh() { await loadStatus(); await loadDevices(); }

        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/events');
        ws.onmessage = (msg) => {
            const ev = JSON.parse(msg.data);
            const log = document.getElementById('log');
            log.innerHTML = new Date(ev.time).toLocaleTimeString() + ' ' + ev.type + '<br>' + log.innerHTML;
            refresh();
        };

        refresh();
        setInterval(refresh, 5000);
    </script>
</body>
</html>`
