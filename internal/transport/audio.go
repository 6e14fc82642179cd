package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voice-agent-lab/internal/logging"
	"github.com/voice-agent-lab/internal/pipeline"
)

type statusMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type transcriptMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// audioResponseMessage carries the audio base64-encoded.
type audioResponseMessage struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Audio       []byte `json:"audio"`
	AudioFormat string `json:"audio_format"`
}

// EncodeEvent renders an event as its JSON wire message.
func EncodeEvent(e pipeline.Event) ([]byte, error) {
	switch e.Type {
	case pipeline.EventStatus:
		return json.Marshal(statusMessage{Type: string(e.Type), Message: e.Message})
	case pipeline.EventTranscript:
		return json.Marshal(transcriptMessage{Type: string(e.Type), Text: e.Text, Final: e.Final})
	case pipeline.EventAudioResponse:
		format := e.Format
		if format == "" {
			format = pipeline.AudioFormat
		}
		return json.Marshal(audioResponseMessage{Type: string(e.Type), Text: e.Text, Audio: e.Audio, AudioFormat: format})
	default:
		return nil, errors.New("transport: unknown event type " + string(e.Type))
	}
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(ctx context.Context, e pipeline.Event) {
	b, err := EncodeEvent(e)
	if err != nil {
		logging.WarnwCtx(ctx, "transport: encode event failed", "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		logging.DebugwCtx(ctx, "transport: write failed", "type", string(e.Type), "err", err)
	}
}

func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// handleAudio runs one caller session. Binary frames are PCM16 chunks; text
// frames are ignored.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("transport: ws upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	c := &wsConn{conn: conn}

	id := uuid.NewString()
	ctx := logging.WithFields(context.Background(), logging.SessionFields(id)...)
	sess, err := s.pipe.NewSession(id, func(e pipeline.Event) { c.send(ctx, e) })
	if err != nil {
		logging.ErrorwCtx(ctx, "transport: session setup failed", "err", err)
		c.close(websocket.CloseInternalServerErr, "Internal error")
		return
	}
	defer sess.Close()

	logging.InfowCtx(ctx, "transport: caller connected", "remote", r.RemoteAddr)
	c.send(ctx, pipeline.StatusEvent(ConnectedMessage))

	var chunks int
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logging.WarnwCtx(ctx, "transport: read failed", "err", err)
			}
			logging.InfowCtx(ctx, "transport: caller disconnected", "chunks", chunks)
			_ = conn.Close()
			return
		}
		if mt != websocket.BinaryMessage {
			if isTextCommand(mt, data) {
				logging.DebugwCtx(ctx, "transport: ignoring text frame", "bytes", len(data))
			}
			continue
		}
		chunks++
		if _, err := sess.FeedAudio(ctx, data); err != nil {
			logging.ErrorwCtx(ctx, "transport: closing session after error", "err", err)
			c.close(websocket.CloseInternalServerErr, "Internal error")
			return
		}
	}
}
