package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-lichess-bot/pkg/analysisdto"
)

// Reply is one decoded server frame. Exactly one of the pointers is set.
type Reply struct {
	Analysis *analysisdto.Analysis
	Status   *analysisdto.Status
	Error    *analysisdto.Error
}

// Client is a single analysis connection. Requests are serialized since the
// protocol has no correlation ids.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to an analysis server. header may be nil.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)
	return &Client{conn: conn}, nil
}

// Ask sends the full SAN move list and waits for the reply.
func (c *Client) Ask(ctx context.Context, moves []string) (Reply, error) {
	if moves == nil {
		moves = []string{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wsjson.Write(ctx, c.conn, moves); err != nil {
		return Reply{}, err
	}
	var raw json.RawMessage
	if err := wsjson.Read(ctx, c.conn, &raw); err != nil {
		return Reply{}, err
	}
	return decodeReply(raw)
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "close")
}

func decodeReply(raw []byte) (Reply, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	switch {
	case fields["pvs"] != nil:
		var a analysisdto.Analysis
		if err := json.Unmarshal(raw, &a); err != nil {
			return Reply{}, fmt.Errorf("decode analysis: %w", err)
		}
		return Reply{Analysis: &a}, nil
	case fields["status"] != nil:
		var s analysisdto.Status
		if err := json.Unmarshal(raw, &s); err != nil {
			return Reply{}, fmt.Errorf("decode status: %w", err)
		}
		return Reply{Status: &s}, nil
	case fields["error"] != nil:
		var e analysisdto.Error
		if err := json.Unmarshal(raw, &e); err != nil {
			return Reply{}, fmt.Errorf("decode error: %w", err)
		}
		return Reply{Error: &e}, nil
	}
	return Reply{}, fmt.Errorf("unrecognised reply %s", truncate(string(raw), 200))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
