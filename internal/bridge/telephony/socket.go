// Package telephony parses and serializes the telephony provider's
// WebSocket media-stream protocol (spec.md §4.6/§6): connected/start/
// media/mark/stop inbound records, media/mark/clear outbound records.
package telephony

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callbridge/voicebridge/internal/bridge/wire"
)

// StartInfo is everything extracted from a telephony "start" event.
type StartInfo struct {
	StreamSid       string
	Token           string
	AgentIDOverride string
	Mode            string
	CallerPhone     string
	ProfileB64      string
}

// Callbacks are invoked from Socket's ReadLoop goroutine, one at a time, in
// arrival order.
type Callbacks struct {
	OnStart func(StartInfo)
	OnMedia func(payload []byte)
	OnMark  func(name string)
	OnStop  func()
}

// Socket wraps one telephony-leg WebSocket connection: a single reader
// (ReadLoop) and a mutex-serialized writer, matching the "each socket is
// owned by a single logical reader task; writes are serialized" rule.
type Socket struct {
	ws *websocket.Conn
	cb Callbacks

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New wraps an already-upgraded telephony WebSocket connection.
func New(ws *websocket.Conn, cb Callbacks) *Socket {
	return &Socket{ws: ws, cb: cb}
}

// ReadLoop reads and dispatches telephony records until the socket closes or
// errors. It returns when the underlying connection is no longer readable.
// Malformed records are reported through onMalformed: ReadLoop never
// returns on a single bad record, only on a
// transport-level read error (spec.md §7: "Invalid inbound JSON ... Log and
// skip that record; connection remains open").
func (s *Socket) ReadLoop(onMalformed func(err error)) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}

		event, payload, err := wire.DecodeTelephonyEvent(data)
		if err != nil {
			if onMalformed != nil {
				onMalformed(err)
			}
			continue
		}

		switch event {
		case "connected":
			// nothing to do
		case "start":
			ev, ok := payload.(wire.TelephonyStartEvent)
			if !ok {
				continue
			}
			if s.cb.OnStart != nil {
				s.cb.OnStart(extractStartInfo(ev))
			}
		case "media":
			ev, ok := payload.(wire.TelephonyMediaEvent)
			if !ok {
				continue
			}
			track := strings.TrimSpace(ev.Media.Track)
			if track != "" && track != "inbound" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				if onMalformed != nil {
					onMalformed(fmt.Errorf("telephony: bad media payload: %w", err))
				}
				continue
			}
			if s.cb.OnMedia != nil {
				s.cb.OnMedia(raw)
			}
		case "mark":
			ev, ok := payload.(wire.TelephonyMarkEvent)
			if !ok {
				continue
			}
			if s.cb.OnMark != nil {
				s.cb.OnMark(ev.Mark.Name)
			}
		case "stop":
			if s.cb.OnStop != nil {
				s.cb.OnStop()
			}
		}
	}
}

func extractStartInfo(ev wire.TelephonyStartEvent) StartInfo {
	params := ev.Start.CustomParameters
	streamSid := ev.StreamSid
	if streamSid == "" {
		streamSid = ev.Start.StreamSid
	}
	return StartInfo{
		StreamSid:       streamSid,
		Token:           params["token"],
		AgentIDOverride: params["agent_id"],
		Mode:            params["mode"],
		CallerPhone:     params["caller_phone"],
		ProfileB64:      params["profile_b64"],
	}
}

// WriteRecord serializes one outbound record (media/mark/clear), mutex-
// guarded against concurrent calls from the Call's various emit paths.
func (s *Socket) WriteRecord(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.ws.WriteJSON(v)
}

// Close sends a close frame with the given code/reason and closes the
// underlying connection. Idempotent.
func (s *Socket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		err = s.ws.Close()
	})
	return err
}
