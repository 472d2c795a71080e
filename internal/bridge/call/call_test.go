package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callbridge/voicebridge/internal/bridge/registry"
	"github.com/callbridge/voicebridge/internal/config"
	"github.com/callbridge/voicebridge/internal/profile"
)

var upgrader = websocket.Upgrader{}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// telephonyPair dials a raw websocket pair: the "server" side is handed to
// Call as if it had just been accepted at the listener; the "client" side
// plays the telephony provider in the test.
func telephonyPair(t *testing.T) (client *websocket.Conn, server *websocket.Conn, closeAll func()) {
	t.Helper()
	srvCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		srvCh <- ws
	}))
	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := <-srvCh
	return c, s, func() { _ = c.Close(); _ = s.Close(); srv.Close() }
}

// fakeAIServer scripts a minimal happy-path AI provider: on connect it sends
// a metadata-ready event; on the first user_audio_chunk it replies with one
// audio frame.
func fakeAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			_ = ws.WriteJSON(map[string]any{
				"type": "conversation_initiation_metadata",
				"conversation_initiation_metadata_event": map[string]string{
					"user_input_audio_format":  "ulaw_8000",
					"agent_output_audio_format": "ulaw_8000",
				},
			})
			repliedOnce := false
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				var msg map[string]json.RawMessage
				_ = json.Unmarshal(data, &msg)
				if _, ok := msg["user_audio_chunk"]; ok && !repliedOnce {
					repliedOnce = true
					audio := make([]byte, 160)
					for i := range audio {
						audio[i] = 0xFF
					}
					_ = ws.WriteJSON(map[string]string{"audio": base64.StdEncoding.EncodeToString(audio)})
				}
			}
		}()
	}))
}

func testConfig(aiServerURL string) config.Config {
	return config.Config{
		AIAPIKey:                "test-key",
		SignedURLBase:           "", // force direct transport
		DirectWSSBase:           wsURL(aiServerURL),
		DefaultAgentID:          map[string]string{"discovery": "agent-1"},
		SilenceDuration:         60 * time.Millisecond,
		UtteranceMaxDuration:    3 * time.Second,
		UpstreamPacketDuration:  40 * time.Millisecond, // 2 frames/packet
		UpstreamFlushInterval:   20 * time.Millisecond,
		MetadataFallbackTimeout: time.Hour,
		NudgeIntervals:          []time.Duration{time.Hour, time.Hour, time.Hour},
		NudgeFollowupDelay:      time.Hour,
		AgentSpeakCooldown:      500 * time.Millisecond,
		SignedURLTimeout:        time.Second,
		AIHandshakeTimeout:      time.Second,
		LogSampleRate:           100,
	}
}

func ulawFrame(b byte) []byte {
	f := make([]byte, 160)
	for i := range f {
		f[i] = b
	}
	return f
}

func readUntilMediaFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg["event"] == "media" {
			return msg
		}
	}
	t.Fatal("no media frame arrived before timeout")
	return nil
}

func TestCall_HappyPathRelaysAgentAudioToTelephony(t *testing.T) {
	ai := fakeAIServer(t)
	defer ai.Close()

	client, server, closeAll := telephonyPair(t)
	defer closeAll()

	reg := registry.New()
	c := New(context.Background(), testConfig(ai.URL), nil, server, reg, profile.NoopStore{}, nil)
	go c.Run()

	start := `{"event":"start","streamSid":"SID1","start":{"streamSid":"SID1","customParameters":{"mode":"discovery"}}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	payload := base64.StdEncoding.EncodeToString(ulawFrame(0x00))
	media := `{"event":"media","media":{"track":"inbound","payload":"` + payload + `"}}`
	for i := 0; i < 4; i++ {
		if err := client.WriteMessage(websocket.TextMessage, []byte(media)); err != nil {
			t.Fatalf("write media: %v", err)
		}
	}

	msg := readUntilMediaFrame(t, client, 3*time.Second)
	mediaField, _ := msg["media"].(map[string]any)
	if mediaField["track"] != "outbound" {
		t.Fatalf("media.track = %v, want outbound", mediaField["track"])
	}
	if mediaField["payload"] == "" {
		t.Fatal("media.payload should not be empty")
	}
}

func TestCall_BadTokenClosesWithPolicyViolation(t *testing.T) {
	ai := fakeAIServer(t)
	defer ai.Close()

	client, server, closeAll := telephonyPair(t)
	defer closeAll()

	cfg := testConfig(ai.URL)
	cfg.BearerToken = "correct-token"

	reg := registry.New()
	c := New(context.Background(), cfg, nil, server, reg, profile.NoopStore{}, nil)
	go c.Run()

	start := `{"event":"start","streamSid":"SID1","start":{"streamSid":"SID1","customParameters":{"mode":"discovery","token":"wrong"}}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	if err == nil {
		t.Fatal("expected the telephony connection to be closed after a bad token")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != 1008 {
		t.Fatalf("close code = %d, want 1008", closeErr.Code)
	}
}
