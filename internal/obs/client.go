// Package obs switches program scenes through obs-websocket (protocol v5).
package obs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/you/censor-chatbot/internal/logging"
)

const (
	TypeOBSWebSocket = "obs-websocket"
	DefaultPort      = 4455
	subprotocol      = "obswebsocket.json"
	defaultTimeout   = 5 * time.Second
	rpcVersion       = 1
)

const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opRequest         = 6
	opRequestResponse = 7
)

type Config struct {
	Type string
	Host string
	Port int
	Auth string
}

// Validate rejects endpoints this client cannot talk to.
func (c Config) Validate() error {
	if t := strings.TrimSpace(c.Type); t != "" && t != TypeOBSWebSocket {
		return fmt.Errorf("obs: unsupported endpoint type %q", t)
	}
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("obs: host is required")
	}
	return nil
}

func (c Config) url() string {
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(port))}
	return u.String()
}

type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type hello struct {
	RPCVersion     int `json:"rpcVersion"`
	Authentication *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication,omitempty"`
}

type identify struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type request struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type requestResponse struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
}

// Client keeps one identified session open and re-dials after any failure.
// Calls are serialized.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultTimeout,
			Subprotocols:     []string{subprotocol},
		},
	}
}

// SetScene asks OBS to make name the program scene. It returns false when OBS
// answers but refuses the change.
func (c *Client) SetScene(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLocked(ctx); err != nil {
		return false, err
	}
	resp, err := c.callLocked(ctx, "SetCurrentProgramScene", map[string]string{"sceneName": name})
	if err != nil {
		c.closeLocked()
		return false, err
	}
	if !resp.RequestStatus.Result {
		logging.L().Warn().
			Str("scene", name).
			Int("code", resp.RequestStatus.Code).
			Str("comment", resp.RequestStatus.Comment).
			Msg("obs: scene change refused")
		return false, nil
	}
	return true, nil
}

// Close drops the current session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) ensureLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.url(), nil)
	if err != nil {
		return errors.Wrapf(err, "obs: dial %s", c.cfg.url())
	}
	c.conn = conn
	if err := c.identifyLocked(ctx); err != nil {
		c.closeLocked()
		return err
	}
	logging.L().Info().Str("endpoint", c.cfg.url()).Msg("obs: identified")
	return nil
}

func (c *Client) identifyLocked(ctx context.Context) error {
	env, err := c.readLocked(ctx)
	if err != nil {
		return errors.Wrap(err, "obs: read hello")
	}
	if env.Op != opHello {
		return fmt.Errorf("obs: expected hello, got op %d", env.Op)
	}
	var h hello
	if err := json.Unmarshal(env.D, &h); err != nil {
		return errors.Wrap(err, "obs: decode hello")
	}

	id := identify{RPCVersion: rpcVersion}
	if h.Authentication != nil {
		if c.cfg.Auth == "" {
			return errors.New("obs: server requires a password")
		}
		id.Authentication = AuthResponse(c.cfg.Auth, h.Authentication.Salt, h.Authentication.Challenge)
	}
	if err := c.writeLocked(ctx, opIdentify, id); err != nil {
		return errors.Wrap(err, "obs: send identify")
	}

	env, err = c.readLocked(ctx)
	if err != nil {
		return errors.Wrap(err, "obs: read identified")
	}
	if env.Op != opIdentified {
		return fmt.Errorf("obs: expected identified, got op %d", env.Op)
	}
	return nil
}

func (c *Client) callLocked(ctx context.Context, requestType string, data any) (requestResponse, error) {
	var resp requestResponse
	reqID := uuid.NewString()
	if err := c.writeLocked(ctx, opRequest, request{RequestType: requestType, RequestID: reqID, RequestData: data}); err != nil {
		return resp, errors.Wrapf(err, "obs: send %s", requestType)
	}
	for {
		env, err := c.readLocked(ctx)
		if err != nil {
			return resp, errors.Wrapf(err, "obs: await %s", requestType)
		}
		if env.Op != opRequestResponse {
			continue
		}
		if err := json.Unmarshal(env.D, &resp); err != nil {
			return resp, errors.Wrap(err, "obs: decode response")
		}
		if resp.RequestID == reqID {
			return resp, nil
		}
	}
}

func (c *Client) writeLocked(ctx context.Context, op int, payload any) error {
	d, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(deadline(ctx))
	return c.conn.WriteJSON(envelope{Op: op, D: d})
}

func (c *Client) readLocked(ctx context.Context) (envelope, error) {
	var env envelope
	_ = c.conn.SetReadDeadline(deadline(ctx))
	err := c.conn.ReadJSON(&env)
	return env, err
}

func (c *Client) closeLocked() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(defaultTimeout)
}

// AuthResponse computes the obs-websocket v5 authentication string:
// base64(sha256(base64(sha256(password + salt)) + challenge)).
func AuthResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}
