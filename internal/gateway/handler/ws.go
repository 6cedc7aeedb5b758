package handler

import (
	"context"
	"log"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/websocket"

	"github.com/Open-EO/openeo-udf/internal/codec"
)

const (
	executeWSWriteWait = 10 * time.Second
	executeWSPongWait  = 60 * time.Second
	executeWSPingEvery = (executeWSPongWait * 9) / 10
)

var executeWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleExecuteWS serves one execution per message. Text frames carry JSON
// requests and binary frames carry packed requests; each reply uses the
// frame type of its request. Failures are sent as {message, traceback}.
func (s *Service) HandleExecuteWS(w http.ResponseWriter, r *http.Request) {
	conn, err := executeWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(s.maxMessage)
	if err := conn.SetReadDeadline(time.Now().Add(executeWSPongWait)); err != nil {
		log.Printf("execute ws set read deadline failed: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(executeWSPongWait))
	})

	go func() {
		ticker := time.NewTicker(executeWSPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(executeWSWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("execute ws read failed: %v", err)
			}
			return
		}
		format := codec.FormatJSON
		if mt == websocket.BinaryMessage {
			format = codec.FormatPack
		}

		out, runErr := s.run(ctx, payload, format)
		s.metrics.ObserveRequest("websocket", "execute", statusLabel(runErr))
		if runErr != nil {
			if errorCode(runErr) == connect.CodeInternal {
				log.Printf("execute ws request failed: %v", runErr)
			}
			out, err = s.codec.EncodeError(errorResponse(runErr), format)
			if err != nil {
				log.Printf("execute ws encode error response failed: %v", err)
				return
			}
		}

		if err := conn.SetWriteDeadline(time.Now().Add(executeWSWriteWait)); err != nil {
			return
		}
		if err := conn.WriteMessage(mt, out); err != nil {
			return
		}
		// Pongs are only processed while reading, so a long execution must
		// not leave the connection with an expired deadline.
		if err := conn.SetReadDeadline(time.Now().Add(executeWSPongWait)); err != nil {
			return
		}
	}
}
