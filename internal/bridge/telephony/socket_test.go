package telephony

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func dialPair(t *testing.T) (client, server *websocket.Conn, close func()) {
	t.Helper()
	srvCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		srvCh <- ws
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := <-srvCh
	return c, s, func() { _ = c.Close(); _ = s.Close(); srv.Close() }
}

func TestReadLoop_StartEventExtractsCustomParameters(t *testing.T) {
	client, server, closeAll := dialPair(t)
	defer closeAll()

	startCh := make(chan StartInfo, 1)
	sock := New(server, Callbacks{OnStart: func(info StartInfo) { startCh <- info }})
	go sock.ReadLoop(nil)

	msg := `{"event":"start","streamSid":"SID1","start":{"streamSid":"SID1","customParameters":{"token":"t1","agent_id":"agent-x","mode":"daily","caller_phone":"+15551234567","profile_b64":"eyJ9"}}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case info := <-startCh:
		if info.StreamSid != "SID1" || info.Token != "t1" || info.AgentIDOverride != "agent-x" || info.Mode != "daily" {
			t.Fatalf("unexpected StartInfo: %+v", info)
		}
	case <-time.After(time.Second):
		t.Fatal("OnStart never fired")
	}
}

func TestReadLoop_MediaIgnoresNonInboundTrack(t *testing.T) {
	client, server, closeAll := dialPair(t)
	defer closeAll()

	mediaCh := make(chan []byte, 1)
	sock := New(server, Callbacks{OnMedia: func(b []byte) { mediaCh <- b }})
	go sock.ReadLoop(nil)

	payload := base64.StdEncoding.EncodeToString([]byte("outbound-audio"))
	outbound := `{"event":"media","media":{"track":"outbound","payload":"` + payload + `"}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(outbound)); err != nil {
		t.Fatalf("write: %v", err)
	}

	inboundPayload := base64.StdEncoding.EncodeToString([]byte("inbound-audio"))
	inbound := `{"event":"media","media":{"track":"inbound","payload":"` + inboundPayload + `"}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(inbound)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case b := <-mediaCh:
		if string(b) != "inbound-audio" {
			t.Fatalf("got %q, want inbound-audio (outbound track should have been ignored)", b)
		}
	case <-time.After(time.Second):
		t.Fatal("OnMedia never fired")
	}
}

func TestReadLoop_MediaDefaultTrackTreatedAsInbound(t *testing.T) {
	client, server, closeAll := dialPair(t)
	defer closeAll()

	mediaCh := make(chan []byte, 1)
	sock := New(server, Callbacks{OnMedia: func(b []byte) { mediaCh <- b }})
	go sock.ReadLoop(nil)

	payload := base64.StdEncoding.EncodeToString([]byte("untracked-audio"))
	msg := `{"event":"media","media":{"payload":"` + payload + `"}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case b := <-mediaCh:
		if string(b) != "untracked-audio" {
			t.Fatalf("got %q", b)
		}
	case <-time.After(time.Second):
		t.Fatal("OnMedia never fired for an untracked media frame")
	}
}

func TestReadLoop_MalformedJSONCallsOnMalformedAndKeepsReading(t *testing.T) {
	client, server, closeAll := dialPair(t)
	defer closeAll()

	var gotErr error
	errCh := make(chan struct{}, 1)
	stopCh := make(chan struct{}, 1)
	sock := New(server, Callbacks{OnStop: func() { stopCh <- struct{}{} }})
	go sock.ReadLoop(func(err error) { gotErr = err; errCh <- struct{}{} })

	if err := client.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("onMalformed never fired")
	}
	if gotErr == nil {
		t.Fatal("expected a non-nil error")
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-stopCh:
	case <-time.After(time.Second):
		t.Fatal("connection should still be readable after a malformed record")
	}
}

func TestWriteRecordAndClose(t *testing.T) {
	client, server, closeAll := dialPair(t)
	defer closeAll()

	sock := New(server, Callbacks{})
	if err := sock.WriteRecord(map[string]string{"event": "clear", "streamSid": "SID1"}); err != nil {
		t.Fatalf("WriteRecord() error = %v", err)
	}

	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if !strings.Contains(string(data), `"event":"clear"`) {
		t.Fatalf("got %s", data)
	}

	if err := sock.Close(1000, "done"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sock.Close(1000, "done"); err != nil {
		t.Fatalf("second Close() should be a no-op, got error = %v", err)
	}
}
