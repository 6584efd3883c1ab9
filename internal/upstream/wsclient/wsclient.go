// Package wsclient is a reference upstream.Client implementation that talks
// to a chat-platform bot gateway over a websocket connection: one dial per
// account, automatic reconnect with backoff, and inbound-frame
// demultiplexing by nonce back into the task that is waiting on it.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/dispatchd/internal/upstream"
)

// outboundFrame is the wire envelope for every request this client sends.
// Seq correlates the gateway's synchronous ack back to the waiting caller.
type outboundFrame struct {
	Op      string          `json:"op"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// inboundFrame is the wire envelope for everything the gateway pushes: acks
// for outbound requests (Op "ack", correlated by Seq) and asynchronous
// progress/completion events (Op "event", correlated by Nonce).
type inboundFrame struct {
	Op          string `json:"op"`
	Seq         int64  `json:"seq"`
	Code        int    `json:"code"`
	Description string `json:"description"`

	Nonce     string `json:"nonce"`
	MessageID string `json:"message_id"`
	Progress  string `json:"progress"`
	Status    string `json:"status"` // "", "IN_PROGRESS", "SUCCESS", "FAILURE", "CANCEL"
	Reason    string `json:"reason"`
}

// Config configures one account's dial.
type Config struct {
	AccountID  string
	URL        string
	Token      string
	AckTimeout time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client dials one account's gateway connection and implements upstream.Client
// by round-tripping requests as outbound frames correlated by seq. The read
// loop is the only reader on the connection; send never reads the socket
// itself, it waits on the ack channel the read loop resolves.
type Client struct {
	cfg    Config
	logger *slog.Logger

	seq atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan upstream.Message // seq -> waiting send

	registryMu sync.Mutex
	waiting    map[string]upstream.TaskUpdater // nonce -> task awaiting inbound events
}

// New creates a Client that has not yet dialed. Call Run to establish and
// maintain the connection.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("account_id", cfg.AccountID),
		pending: make(map[int64]chan upstream.Message),
		waiting: make(map[string]upstream.TaskUpdater),
	}
}

// Register associates a nonce with the task that should receive inbound
// progress/completion events for it. Callers register before sending the
// corresponding request.
func (c *Client) Register(nonce string, updater upstream.TaskUpdater) {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	c.waiting[nonce] = updater
}

// Unregister drops a nonce once its task reaches a terminal state.
func (c *Client) Unregister(nonce string) {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	delete(c.waiting, nonce)
}

// Run dials the gateway and keeps it connected, reconnecting with capped
// exponential backoff and jitter until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
			HTTPHeader: authHeader(c.cfg.Token),
		})
		if err != nil {
			c.logger.Warn("gateway dial failed", "error", err, "retry_in", backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}

		c.logger.Info("gateway connected")
		backoff = c.cfg.MinBackoff
		c.setConn(conn)

		c.readLoop(ctx, conn)

		// Connection gone: sends waiting on an ack will never get one.
		c.setConn(nil)
		c.failPending()
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("gateway read error", "error", err)
			}
			return
		}
		switch frame.Op {
		case "ack":
			c.resolveAck(frame)
		default:
			c.dispatchEvent(frame)
		}
	}
}

func (c *Client) resolveAck(frame inboundFrame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.Seq]
	if ok {
		delete(c.pending, frame.Seq)
	}
	c.mu.Unlock()
	if !ok {
		// The sender already timed out and abandoned the seq.
		c.logger.Warn("ack for unknown seq", "seq", frame.Seq)
		return
	}
	ch <- upstream.Message{Code: frame.Code, Description: frame.Description}
}

func (c *Client) dispatchEvent(frame inboundFrame) {
	c.registryMu.Lock()
	updater, ok := c.waiting[frame.Nonce]
	c.registryMu.Unlock()
	if !ok {
		c.logger.Warn("inbound frame for unknown nonce", "nonce", frame.Nonce)
		return
	}

	if frame.MessageID != "" {
		updater.SetMessageID(frame.MessageID)
	}
	if frame.Progress != "" {
		updater.SetProgress(frame.Progress)
	}
	switch frame.Status {
	case "FAILURE", "CANCEL":
		if err := updater.Fail(frame.Reason); err != nil {
			c.logger.Warn("inbound failure transition rejected", "nonce", frame.Nonce, "error", err)
		}
		c.Unregister(frame.Nonce)
	case "SUCCESS":
		if err := updater.SetStatus("SUCCESS"); err != nil {
			c.logger.Warn("inbound success transition rejected", "nonce", frame.Nonce, "error", err)
		}
		c.Unregister(frame.Nonce)
	case "IN_PROGRESS":
		if err := updater.SetStatus("IN_PROGRESS"); err != nil {
			c.logger.Warn("inbound in-progress transition rejected", "nonce", frame.Nonce, "error", err)
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// failPending closes every waiting ack channel so blocked sends unblock with
// errNotConnected instead of waiting out their full timeout.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

var errNotConnected = errors.New("wsclient: not connected to gateway")

func (c *Client) send(op string, payload any) (upstream.Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return upstream.Message{}, fmt.Errorf("encode payload: %w", err)
	}

	seq := c.seq.Add(1)
	ack := make(chan upstream.Message, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return upstream.Message{}, errNotConnected
	}
	c.pending[seq] = ack
	c.mu.Unlock()

	abandon := func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, outboundFrame{Op: op, Seq: seq, Payload: raw}); err != nil {
		abandon()
		return upstream.Message{}, fmt.Errorf("write frame: %w", err)
	}

	select {
	case msg, ok := <-ack:
		if !ok {
			return upstream.Message{}, errNotConnected
		}
		return msg, nil
	case <-ctx.Done():
		abandon()
		return upstream.Message{}, fmt.Errorf("await ack for %s: %w", op, ctx.Err())
	}
}

func (c *Client) Imagine(prompt, nonce string) (upstream.Message, error) {
	return c.send("imagine", map[string]string{"prompt": prompt, "nonce": nonce})
}

func (c *Client) Upscale(messageID string, index int, hash string, flags int64, nonce string) (upstream.Message, error) {
	return c.send("upscale", map[string]any{"message_id": messageID, "index": index, "hash": hash, "flags": flags, "nonce": nonce})
}

func (c *Client) Variation(messageID string, index int, hash string, flags int64, nonce string) (upstream.Message, error) {
	return c.send("variation", map[string]any{"message_id": messageID, "index": index, "hash": hash, "flags": flags, "nonce": nonce})
}

func (c *Client) Reroll(messageID string, hash string, flags int64, nonce string) (upstream.Message, error) {
	return c.send("reroll", map[string]any{"message_id": messageID, "hash": hash, "flags": flags, "nonce": nonce})
}

func (c *Client) Action(messageID, customID string, flags int64, nonce string) (upstream.Message, error) {
	return c.send("action", map[string]any{"message_id": messageID, "custom_id": customID, "flags": flags, "nonce": nonce})
}

func (c *Client) Describe(finalFileName, nonce string) (upstream.Message, error) {
	return c.send("describe", map[string]string{"final_file_name": finalFileName, "nonce": nonce})
}

func (c *Client) Blend(finalFileNames []string, dimensions string, nonce string) (upstream.Message, error) {
	return c.send("blend", map[string]any{"final_file_names": finalFileNames, "dimensions": dimensions, "nonce": nonce})
}

func (c *Client) Upload(fileName, dataURL string) (upstream.Message, error) {
	return c.send("upload", map[string]string{"file_name": fileName, "data_url": dataURL})
}

func (c *Client) SendImageMessage(content, finalFileName string) (upstream.Message, error) {
	return c.send("send_image_message", map[string]string{"content": content, "final_file_name": finalFileName})
}

func authHeader(token string) map[string][]string {
	if token == "" {
		return nil
	}
	return map[string][]string{"Authorization": {"Bearer " + token}}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	jitter := time.Duration(rand.Int63n(int64(next)/4 + 1))
	return next + jitter
}
