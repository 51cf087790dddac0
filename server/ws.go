package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/runlet/runlet/pipeline"
)

// runRequestMessage is the first and only client message on a run WebSocket.
// A guide document must be uploaded beforehand; GuidePath refers to the
// stored path returned by the upload endpoint.
type runRequestMessage struct {
	ProjectURL    string `json:"projectUrl"`
	Episodes      string `json:"episodes"`
	GuidePath     string `json:"guidePath"`
	SlackEnabled  bool   `json:"slackEnabled"`
	SlackTemplate string `json:"slackTemplate"`
}

// startRunWS is the WebSocket transport: the client sends one run request
// message, then the server pushes one wsjson frame per event and closes the
// socket after the terminal frame.
func (s *Server) startRunWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	runID := uuid.NewString()
	log := s.logger.Named("run_ws").With("RunID", runID)

	connCtx := r.Context()
	var msg runRequestMessage
	if err := wsjson.Read(connCtx, wsConn, &msg); err != nil {
		log.Debugf("error reading run request message: %s", err)
		wsConn.Close(websocket.StatusInternalError, "reading run request")
		return
	}

	req := pipeline.Request{
		ProjectURL:    msg.ProjectURL,
		Episodes:      msg.Episodes,
		GuidePath:     msg.GuidePath,
		SlackEnabled:  msg.SlackEnabled,
		SlackTemplate: msg.SlackTemplate,
	}

	// The request context does not observe disconnects once the connection
	// is hijacked for WebSocket. The client sends nothing after the request
	// message, so CloseRead can watch the socket: its context is cancelled
	// when the connection drops, which kills the child under the kill
	// policy. A client that sends a second message loses the connection.
	runCtx := context.Background()
	if s.killOnDisconnect {
		runCtx = wsConn.CloseRead(connCtx)
	}

	startedAt := time.Now()
	events, err := pipeline.Run(runCtx, log, s.launcher, req, s.queueSize)
	if err != nil {
		// request-level failure: one error frame, then close; nothing was spawned
		ev := pipeline.Event{Type: pipeline.EventError, Message: err.Error()}
		if werr := wsjson.Write(connCtx, wsConn, ev); werr != nil {
			log.Debugf("error writing validation failure: %s", werr)
		}
		wsConn.Close(websocket.StatusNormalClosure, "")
		return
	}

	clientGone := false
	var terminal pipeline.Event
	for ev := range events {
		if ev.Terminal() {
			terminal = ev
		}
		if clientGone {
			continue
		}
		if werr := wsjson.Write(connCtx, wsConn, ev); werr != nil {
			log.Debugf("client write failed, discarding remaining output: %s", werr)
			clientGone = true
		}
	}
	wsConn.Close(websocket.StatusNormalClosure, "")
	log.Debugw("run finished", "Terminal", terminal.Type)
	s.record(runID, req, startedAt, terminal)
}
