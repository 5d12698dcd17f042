package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Feed streams change events from a remote hub. Each Stream call opens a
// new connection; the returned channel closes when that connection ends.
type Feed struct {
	url    string
	dialer *websocket.Dialer
	logger *logrus.Logger
}

func NewFeed(url string, logger *logrus.Logger) *Feed {
	return &Feed{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (f *Feed) Stream(ctx context.Context) (<-chan models.ChangeEvent, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", f.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(writeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read handshake: %w", err)
	}
	first, _, _ := bytes.Cut(data, []byte{'\n'})
	var hello envelope
	if err := json.Unmarshal(first, &hello); err != nil || hello.Type != MessageReady {
		conn.Close()
		return nil, fmt.Errorf("unexpected first message from %s", f.url)
	}

	events := make(chan models.ChangeEvent, sendBuffer)
	// Anything batched behind "ready" is delivered first.
	pending := f.decode(data)[1:]

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(events)
		defer close(done)
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		})

		for _, msg := range pending {
			if !f.deliver(ctx, events, msg) {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					f.logger.WithError(err).WithField("url", f.url).Warn("Websocket feed disconnected")
				}
				return
			}
			for _, msg := range f.decode(data) {
				if !f.deliver(ctx, events, msg) {
					return
				}
			}
		}
	}()

	return events, nil
}

// decode splits a frame into its newline-separated messages.
func (f *Feed) decode(data []byte) []envelope {
	var out []envelope
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg envelope
		if err := json.Unmarshal(line, &msg); err != nil {
			f.logger.WithError(err).Warn("Dropping undecodable websocket message")
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (f *Feed) deliver(ctx context.Context, events chan<- models.ChangeEvent, msg envelope) bool {
	if msg.Type != MessageChange {
		return true
	}
	var event models.ChangeEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		f.logger.WithError(err).Warn("Dropping undecodable change event")
		return true
	}
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
