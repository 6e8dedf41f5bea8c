package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaballahchat/chatcall/internal/auth"
	"github.com/jaballahchat/chatcall/internal/docapi"
)

const wsWriteWait = 5 * time.Second

var errListenerClosed = errors.New("realtime connection closed")

// listener multiplexes watches over one /v1/listen connection. The read loop
// hands each message to the watch's mailbox and ends whatever is left when
// the connection ends.
type listener struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*subscription
	nextID uint64
	err    error

	done      chan struct{}
	closeOnce sync.Once
}

type subscription struct {
	box   *mailbox
	out   chan docapi.ServerMessage
	first chan error

	// Owned by the read loop.
	confirmed bool
}

func listenURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/v1/listen"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/v1/listen"
	default:
		return baseURL + "/v1/listen"
	}
}

func dialListener(ctx context.Context, baseURL, token string) (*listener, error) {
	if token == "" {
		return nil, auth.ErrMissingCredentials
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, listenURL(baseURL), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial listen: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial listen: %w", err)
	}
	l := &listener{
		conn: conn,
		subs: make(map[string]*subscription),
		done: make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *listener) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *listener) close() {
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		l.writeMu.Unlock()
		_ = l.conn.Close()
	})
}

func (l *listener) closeErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	return errListenerClosed
}

func (l *listener) send(msg docapi.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// subscribe registers a watch and waits for the server's first reply. A
// rejected watch returns the server error; otherwise the returned channel
// carries every message for the watch until ctx is done or the connection
// ends.
func (l *listener) subscribe(ctx context.Context, msg docapi.ClientMessage) (<-chan docapi.ServerMessage, error) {
	sub := &subscription{
		box:   newMailbox(),
		out:   make(chan docapi.ServerMessage, 16),
		first: make(chan error, 1),
	}
	go sub.box.pump(ctx, sub.out)

	l.mu.Lock()
	if l.closed() {
		l.mu.Unlock()
		return nil, l.closeErr()
	}
	l.nextID++
	id := "w" + strconv.FormatUint(l.nextID, 10)
	l.subs[id] = sub
	l.mu.Unlock()

	msg.ID = id
	if err := l.send(msg); err != nil {
		l.unregister(id)
		return nil, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	select {
	case err := <-sub.first:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		l.unwatch(id)
		return nil, ctx.Err()
	case <-l.done:
		return nil, l.closeErr()
	}

	go func() {
		select {
		case <-ctx.Done():
			l.unwatch(id)
		case <-l.done:
		}
	}()
	return sub.out, nil
}

func (l *listener) unregister(id string) {
	l.mu.Lock()
	delete(l.subs, id)
	l.mu.Unlock()
}

func (l *listener) unwatch(id string) {
	l.unregister(id)
	if !l.closed() {
		_ = l.send(docapi.ClientMessage{Type: docapi.MessageTypeUnwatch, ID: id})
	}
}

func (l *listener) readLoop() {
	defer func() {
		l.mu.Lock()
		for id, sub := range l.subs {
			sub.box.end()
			delete(l.subs, id)
		}
		l.mu.Unlock()
		close(l.done)
		_ = l.conn.Close()
	}()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			if l.err == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				l.err = fmt.Errorf("%w: %w", errListenerClosed, err)
			}
			l.mu.Unlock()
			return
		}
		var msg docapi.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		l.dispatch(msg)
	}
}

func (l *listener) dispatch(msg docapi.ServerMessage) {
	if msg.ID == "" {
		if msg.Type == docapi.MessageTypeError {
			l.mu.Lock()
			l.err = &APIError{Code: msg.Code, Message: msg.Message}
			l.mu.Unlock()
		}
		return
	}

	l.mu.Lock()
	sub, ok := l.subs[msg.ID]
	if ok && msg.Type == docapi.MessageTypeError {
		delete(l.subs, msg.ID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	if msg.Type == docapi.MessageTypeError {
		apiErr := &APIError{Code: msg.Code, Message: msg.Message}
		if !sub.confirmed {
			sub.first <- apiErr
		}
		sub.box.end()
		return
	}
	if !sub.confirmed {
		sub.confirmed = true
		sub.first <- nil
	}
	sub.box.push(msg)
}
