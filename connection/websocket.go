package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"gobuild/monitor/shared/message"
)

// WebsocketDialer connects to the event endpoint of the build API.
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func NewWebsocketDialer(url string) *WebsocketDialer {
	return &WebsocketDialer{URL: url, Dialer: websocket.DefaultDialer}
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Stream, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := d.Dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	return &websocketStream{conn: conn}, nil
}

type websocketStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// Read returns the next decodable frame. Frames that are not valid envelopes
// are skipped; only transport failures end the stream.
func (s *websocketStream) Read(ctx context.Context) (message.Envelope, error) {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return message.Envelope{}, err
		}
		env, err := message.UnmarshalMessage(data)
		if err != nil {
			continue
		}
		return env, nil
	}
}

func (s *websocketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}
