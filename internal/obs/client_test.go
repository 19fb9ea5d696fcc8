package obs

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeOBS struct {
	password  string
	challenge string
	salt      string

	mu       sync.Mutex
	scenes   []string
	sessions int
}

func (f *fakeOBS) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{Subprotocols: []string{subprotocol}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		f.mu.Lock()
		f.sessions++
		f.mu.Unlock()

		helloData := map[string]any{"obsWebSocketVersion": "5.4.2", "rpcVersion": 1}
		if f.password != "" {
			helloData["authentication"] = map[string]string{"challenge": f.challenge, "salt": f.salt}
		}
		if err := writeOp(conn, opHello, helloData); err != nil {
			return
		}

		var env envelope
		if err := conn.ReadJSON(&env); err != nil || env.Op != opIdentify {
			return
		}
		var id identify
		_ = json.Unmarshal(env.D, &id)
		if f.password != "" && id.Authentication != AuthResponse(f.password, f.salt, f.challenge) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4009, "Authentication failed."))
			return
		}
		if err := writeOp(conn, opIdentified, map[string]int{"negotiatedRpcVersion": 1}); err != nil {
			return
		}

		for {
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			var req struct {
				RequestType string            `json:"requestType"`
				RequestID   string            `json:"requestId"`
				RequestData map[string]string `json:"requestData"`
			}
			_ = json.Unmarshal(env.D, &req)
			scene := req.RequestData["sceneName"]

			// An unrelated event first, to exercise response matching.
			_ = writeOp(conn, 5, map[string]string{"eventType": "CurrentProgramSceneChanged"})

			ok := scene != "Missing"
			if ok {
				f.mu.Lock()
				f.scenes = append(f.scenes, scene)
				f.mu.Unlock()
			}
			status := map[string]any{"result": ok, "code": 100}
			if !ok {
				status = map[string]any{"result": false, "code": 600, "comment": "No source was found"}
			}
			if err := writeOp(conn, opRequestResponse, map[string]any{
				"requestType":   req.RequestType,
				"requestId":     req.RequestID,
				"requestStatus": status,
			}); err != nil {
				return
			}
		}
	})
}

func writeOp(conn *websocket.Conn, op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return conn.WriteJSON(envelope{Op: op, D: raw})
}

func configFor(t *testing.T, srv *httptest.Server, password string) Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return Config{Type: TypeOBSWebSocket, Host: host, Port: port, Auth: password}
}

func TestSetSceneWithAuthentication(t *testing.T) {
	fake := &fakeOBS{password: "hunter2", challenge: "+IxH4CnCiqpX1rM9scsNynZzbOe4KhDeYcTNS3PDaeY=", salt: "lM1GncleQOaCu9lT1yeUZhFYnqhsLLP1G5lAGo3ixaI="}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := New(configFor(t, srv, "hunter2"))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, scene := range []string{"Censored", "Live"} {
		ok, err := c.SetScene(ctx, scene)
		if err != nil || !ok {
			t.Fatalf("set scene %q: ok=%v err=%v", scene, ok, err)
		}
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.scenes) != 2 || fake.scenes[0] != "Censored" {
		t.Fatalf("unexpected scenes %v", fake.scenes)
	}
	if fake.sessions != 1 {
		t.Fatalf("expected session reuse, got %d sessions", fake.sessions)
	}
}

func TestSetSceneRefusedReturnsFalse(t *testing.T) {
	fake := &fakeOBS{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := New(configFor(t, srv, ""))
	defer c.Close()

	ok, err := c.SetScene(context.Background(), "Missing")
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if ok {
		t.Fatalf("expected refusal to report false")
	}
}

func TestSetSceneWrongPassword(t *testing.T) {
	fake := &fakeOBS{password: "right", challenge: "c", salt: "s"}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := New(configFor(t, srv, "wrong"))
	defer c.Close()

	if ok, err := c.SetScene(context.Background(), "Censored"); err == nil || ok {
		t.Fatalf("expected identify failure, got ok=%v err=%v", ok, err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Type: "streamlabs", Host: "x"}).Validate(); err == nil {
		t.Fatalf("expected unsupported type error")
	}
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected missing host error")
	}
	if got := (Config{Host: "localhost"}).url(); got != "ws://localhost:4455" {
		t.Fatalf("unexpected default url %q", got)
	}
}

func TestAuthResponseKnownVector(t *testing.T) {
	got := AuthResponse("supersecretpassword", "lM1GncleQOaCu9lT1yeUZhFYnqhsLLP1G5lAGo3ixaI=", "+IxH4CnCiqpX1rM9scsNynZzbOe4KhDeYcTNS3PDaeY=")
	if got != "1Ct943GAT+6YQUUX47Ia/ncufilbe6+oD6lY+5kaCu4=" {
		t.Fatalf("unexpected auth response %q", got)
	}
}
