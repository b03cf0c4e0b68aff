package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one duplex feed connection. *websocket.Conn satisfies it. Only one
// goroutine may write and one may read at a time.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens feed connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials the websocket endpoint, passing the API token as a query
// parameter and the configured Origin header.
type WSDialer struct {
	URL              string
	Token            string
	Origin           string
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	if d.Token != "" {
		q := u.Query()
		q.Set("token", d.Token)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if d.Origin != "" {
		header.Set("Origin", d.Origin)
	}

	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	return conn, nil
}
