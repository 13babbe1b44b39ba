package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"razbor.film/model"
	"razbor.film/pkg/utils"
	"razbor.film/pkg/websocket"
)

// Conn is the client side of the coordinator wire protocol. The write
// lock covers user frames and control replies alike: the heartbeat loop
// and the read loop share one socket.
type Conn struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *wsutil.Reader
}

// Dial opens a websocket connection to the coordinator /ws endpoint.
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, br, _, err := ws.Dialer{}.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return newConn(conn, br), nil
}

func newConn(nc net.Conn, br *bufio.Reader) *Conn {
	var src io.Reader = nc
	if br != nil {
		src = br
	}
	return &Conn{
		conn:   nc,
		reader: &wsutil.Reader{Source: src, State: ws.StateClientSide},
	}
}

// Emit sends one request envelope with a random message id; the
// coordinator echoes the id back in the ack.
func (c *Conn) Emit(method string, params map[string]interface{}) error {
	msg := &websocket.Message{
		ID:     utils.RandString(8),
		Method: method,
		Params: params,
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientText(c.conn, b)
}

// Join announces the identity under which this connection participates.
func (c *Conn) Join(videoID, userID, userName string, role model.Role) error {
	return c.Emit(websocket.MethodJoinSession, map[string]interface{}{
		"videoId":  videoID,
		"userId":   userID,
		"userName": userName,
		"userRole": string(role),
	})
}

// ReadEvent blocks for the next room event. Request acks carry no method
// and are skipped; transport pings are answered through the write lock
// so a pong never interleaves with an outgoing frame.
func (c *Conn) ReadEvent() (*websocket.Event, error) {
	for {
		h, err := c.reader.NextFrame()
		if err != nil {
			return nil, err
		}
		if h.OpCode.IsControl() {
			if err = c.handleControl(h); err != nil {
				return nil, err
			}
			continue
		}
		if h.OpCode != ws.OpText {
			if err = c.reader.Discard(); err != nil {
				return nil, err
			}
			continue
		}

		b, err := ioutil.ReadAll(c.reader)
		if err != nil {
			return nil, err
		}

		var e websocket.Event
		if err = json.Unmarshal(b, &e); err != nil {
			return nil, err
		}
		if e.Method == "" {
			continue
		}
		return &e, nil
	}
}

func (c *Conn) handleControl(h ws.Header) error {
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			return err
		}
	}

	switch h.OpCode {
	case ws.OpPing:
		c.mu.Lock()
		defer c.mu.Unlock()
		return ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewPongFrame(payload)))
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
