package web

import (
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"audioguard/internal/logging"
	"audioguard/internal/registry"
)

const (
	eventBuffer  = 64
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
)

// eventView is the JSON form of a registry event. Volumes are percentages;
// an unknown volume is omitted.
type eventView struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	DeviceID string    `json:"deviceId,omitempty"`
	Name     string    `json:"name,omitempty"`
	Slot     string    `json:"slot,omitempty"`
	State    string    `json:"state,omitempty"`
	Old      *float64  `json:"old,omitempty"`
	New      *float64  `json:"new,omitempty"`
	Count    int64     `json:"count,omitempty"`
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func toView(ev registry.Event, now time.Time) eventView {
	view := eventView{Type: string(ev.Type), Time: now}
	switch data := ev.Data.(type) {
	case registry.DeviceAddedData:
		view.DeviceID = data.ID.String()
		if data.Device != nil {
			view.Name = data.Device.Name()
		}
	case registry.DeviceRemovedData:
		view.DeviceID = data.ID.String()
		if data.Device != nil {
			view.Name = data.Device.Name()
		}
	case registry.DeviceStateChangedData:
		view.DeviceID = data.ID.String()
		view.State = data.State.String()
	case registry.DefaultDeviceChangedData:
		view.Slot = data.Slot.String()
		if data.Device != nil {
			view.DeviceID = data.ID.String()
			view.Name = data.Device.Name()
		}
	case registry.MicrophoneVolumeCorrectedData:
		view.DeviceID = data.ID.String()
		view.Old = finite(data.Old)
		view.New = finite(data.New)
		view.Count = data.Count
	}
	return view
}

// handleEvents streams registry events over a websocket until the client
// goes away or the server shuts down. Events are dropped for clients that
// fall behind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debugf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	events := make(chan eventView, eventBuffer)
	unsubscribe := s.engine.Subscribe(func(ev registry.Event) {
		select {
		case events <- toView(ev, time.Now()):
		default:
			logging.Debugf("event stream %s is behind; dropped %s", r.RemoteAddr, ev.Type)
		}
	})
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	logging.Debugf("event stream opened by %s", r.RemoteAddr)
	for {
		select {
		case <-gone:
			logging.Debugf("event stream closed by %s", r.RemoteAddr)
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case view := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(view); err != nil {
				logging.Debugf("write event to %s: %v", r.RemoteAddr, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
