package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ensemble-dev/ensemble/internal/ptyfabric"
)

// terminalControlMessage is the JSON control frame a /ws/terminal client
// sends alongside raw binary keystroke data, per spec 4.C12: "carries
// binary PTY data and text control JSON (Resize, Signal)".
type terminalControlMessage struct {
	Type   string `json:"type"`
	Cols   int    `json:"cols,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Signal string `json:"signal,omitempty"`
}

// handleWSTerminal bridges a ptyfabric.Session to a WebSocket connection:
// binary frames in either direction carry raw terminal bytes, text frames
// carry Resize/Signal control messages from the client and connected/
// terminated notifications from the server.
func (s *Server) handleWSTerminal(w http.ResponseWriter, r *http.Request) {
	if s.PTY == nil {
		http.Error(w, "terminal fabric not configured", http.StatusNotFound)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	session, ok := s.PTY.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	outputs, unsubscribe := session.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go terminalReader(conn, session, done)
	terminalWriter(conn, outputs, done)
}

func terminalWriter(conn *websocket.Conn, outputs <-chan ptyfabric.Output, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case out, ok := <-outputs:
			if !ok {
				return
			}
			switch out.Kind {
			case ptyfabric.OutputData:
				if err := conn.WriteMessage(websocket.BinaryMessage, out.Data); err != nil {
					return
				}
			case ptyfabric.OutputConnected:
				_ = conn.WriteJSON(map[string]string{"event": "connected"})
			case ptyfabric.OutputTerminated:
				_ = conn.WriteJSON(map[string]interface{}{"event": "terminated", "exit_code": out.ExitCode})
				return
			}
		}
	}
}

func terminalReader(conn *websocket.Conn, session *ptyfabric.Session, done chan struct{}) {
	defer close(done)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			session.Write(ptyfabric.Input{Kind: ptyfabric.InputData, Data: data})
		case websocket.TextMessage:
			var ctrl terminalControlMessage
			if err := json.Unmarshal(data, &ctrl); err != nil {
				continue
			}
			switch ctrl.Type {
			case "resize":
				session.Write(ptyfabric.Input{Kind: ptyfabric.InputResize, Size: ptyfabric.Size{Cols: ctrl.Cols, Rows: ctrl.Rows}})
			case "signal":
				session.Write(ptyfabric.Input{Kind: ptyfabric.InputSignal, Signal: ptyfabric.Signal(ctrl.Signal)})
			}
		}
	}
}
