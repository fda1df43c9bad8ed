package wake

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/failure"
)

// VoskDecoder streams frames to a vosk-server websocket endpoint.
type VoskDecoder struct {
	endpoint   string
	sampleRate int
	log        *slog.Logger
	dialer     *websocket.Dialer
	timeout    time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

type voskConfig struct {
	Config voskConfigBody `json:"config"`
}

type voskConfigBody struct {
	SampleRate int `json:"sample_rate"`
}

type voskMessage struct {
	Partial *string `json:"partial"`
	Text    *string `json:"text"`
}

// NewVoskDecoder returns a decoder for endpoint. timeout bounds each Feed
// round trip that has no earlier context deadline.
func NewVoskDecoder(endpoint string, sampleRate int, timeout time.Duration, log *slog.Logger) *VoskDecoder {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &VoskDecoder{
		endpoint:   endpoint,
		sampleRate: sampleRate,
		log:        log.With(slog.String("component", "vosk-decoder")),
		dialer:     &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		timeout:    timeout,
	}
}

// Connect dials the server and sends the stream configuration.
func (d *VoskDecoder) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectLocked(ctx)
}

func (d *VoskDecoder) connectLocked(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}
	conn, _, err := d.dialer.DialContext(ctx, d.endpoint, nil)
	if err != nil {
		return failure.New(failure.KindNetwork, "vosk dial", err)
	}
	cfg, err := json.Marshal(voskConfig{Config: voskConfigBody{SampleRate: d.sampleRate}})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, cfg); err != nil {
		conn.Close()
		return failure.New(failure.KindNetwork, "vosk config", err)
	}
	d.conn = conn
	d.log.Info("connected to vosk server", slog.String("endpoint", d.endpoint))
	return nil
}

func (d *VoskDecoder) Feed(ctx context.Context, frame []int16) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.connectLocked(ctx); err != nil {
		return Result{}, err
	}

	payload := make([]byte, len(frame)*2)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(payload[i*2:], uint16(s))
	}

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn := d.conn
	if err := conn.NetConn().SetDeadline(deadline); err != nil {
		return d.failLocked(ctx, "vosk deadline", err)
	}
	// Cancellation expires the deadline so a blocked read returns at once.
	stop := context.AfterFunc(ctx, func() { _ = conn.NetConn().SetDeadline(time.Now()) })
	defer stop()

	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return d.failLocked(ctx, "vosk write", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return d.failLocked(ctx, "vosk read", err)
	}
	return parseVoskMessage(data)
}

// failLocked drops the connection, which is unusable after a failed or
// expired round trip, and classifies err.
func (d *VoskDecoder) failLocked(ctx context.Context, op string, err error) (Result, error) {
	_ = d.closeLocked()
	kind := failure.KindNetwork
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
		kind = failure.KindTimeout
		if errors.Is(err, context.Canceled) {
			kind = failure.KindUnavailable
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = failure.KindTimeout
	}
	return Result{}, failure.New(kind, op, err)
}

func parseVoskMessage(data []byte) (Result, error) {
	var msg voskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Result{}, failure.New(failure.KindInvalidInput, "vosk decode", err)
	}
	switch {
	case msg.Text != nil:
		return Result{Final: true, Text: *msg.Text}, nil
	case msg.Partial != nil:
		return Result{Text: *msg.Partial}, nil
	default:
		return Result{}, failure.New(failure.KindInvalidInput, "vosk decode", fmt.Errorf("unexpected message %q", data))
	}
}

// Reset drops the connection; the next Feed reconnects with a clean recognizer.
func (d *VoskDecoder) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return d.connectLocked(ctx)
}

func (d *VoskDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *VoskDecoder) closeLocked() error {
	if d.conn == nil {
		return nil
	}
	conn := d.conn
	d.conn = nil
	_ = conn.NetConn().SetDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`))
	err := conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}
