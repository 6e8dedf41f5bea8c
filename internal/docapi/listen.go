package docapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaballahchat/chatcall/internal/auth"
	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/metrics"
	"github.com/jaballahchat/chatcall/internal/ratelimit"
)

const (
	wsWriteWait       = 5 * time.Second
	maxWatchesPerConn = 256
)

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := s.cfg.Origin.Check(r)
			return ok
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.cfg.Metrics.Inc(metrics.ListenConnections)

	ctx, cancel := context.WithCancel(context.Background())
	ls := &listenSession{
		srv:     s,
		conn:    conn,
		req:     r,
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[string]context.CancelFunc),
		limiter: ratelimit.NewConnLimiter(s.cfg.Clock, ratelimit.ConnLimits{
			MessagesPerSecond: int64(s.cfg.MaxMessagesPerSecond),
		}),
	}
	ls.run()
}

type listenSession struct {
	srv  *Server
	conn *websocket.Conn
	req  *http.Request

	ctx    context.Context
	cancel context.CancelFunc

	principal auth.Principal
	limiter   *ratelimit.ConnLimiter

	// Owned by run.
	watches map[string]context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (ls *listenSession) run() {
	defer ls.Close()

	cfg := ls.srv.cfg
	ls.conn.SetReadLimit(cfg.MaxMessageBytes)

	authorized := false
	cred, err := auth.CredentialFromRequest(ls.req)
	switch {
	case err == nil:
		p, err := ls.srv.verify(ls.ctx, cred)
		if err != nil {
			cfg.Metrics.Inc(metrics.AuthFailure)
			ls.fail("", "unauthorized", err.Error(), websocket.ClosePolicyViolation, "unauthorized")
			return
		}
		ls.principal = p
		authorized = true
		ls.extendDeadline()
	case errors.Is(err, auth.ErrMissingCredentials):
		_ = ls.conn.SetReadDeadline(time.Now().Add(cfg.AuthTimeout))
	default:
		cfg.Metrics.Inc(metrics.AuthFailure)
		ls.fail("", "unauthorized", err.Error(), websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	ls.conn.SetPongHandler(func(string) error {
		if authorized {
			ls.extendDeadline()
		}
		return nil
	})
	ls.wg.Add(1)
	go ls.pingLoop()

	for {
		msgType, data, err := ls.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				if !authorized {
					cfg.Metrics.Inc(metrics.AuthFailure)
					ls.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
				} else {
					ls.closeWith(websocket.CloseNormalClosure, "idle timeout")
				}
			}
			return
		}
		// Rate limit after reading so the close frame is not lost to a reset
		// caused by unread data.
		if !ls.limiter.AllowMessage(len(data)) {
			cfg.Metrics.Inc(metrics.ListenRateLimited)
			ls.fail("", "rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			ls.fail("", "bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}
		msg, err := ParseClientMessage(data)
		if err != nil {
			ls.fail("", "bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		if authorized {
			ls.extendDeadline()
		}

		if !authorized {
			if msg.Type != MessageTypeAuth {
				cfg.Metrics.Inc(metrics.AuthFailure)
				ls.fail("", "unauthorized", "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			cred, err := auth.CredentialFromAuthMessage(auth.WireAuthMessage{Type: msg.Type, Token: msg.Token, APIKey: msg.APIKey})
			if err == nil {
				ls.principal, err = ls.srv.verify(ls.ctx, cred)
			}
			if err != nil {
				cfg.Metrics.Inc(metrics.AuthFailure)
				ls.fail("", "unauthorized", err.Error(), websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			authorized = true
			ls.extendDeadline()
			continue
		}

		switch msg.Type {
		case MessageTypeAuth:
			// Already authenticated through the request.
		case MessageTypeWatchDocument, MessageTypeWatchCollection:
			if err := ls.watch(msg); err != nil {
				code, _ := ErrorCode(err)
				_ = ls.send(ServerMessage{Type: MessageTypeError, ID: msg.ID, Code: code, Message: err.Error()})
			}
		case MessageTypeUnwatch:
			if cancel, ok := ls.watches[msg.ID]; ok {
				cancel()
				delete(ls.watches, msg.ID)
			}
		}
	}
}

var (
	errDuplicateWatch = errors.New("watch id already in use")
	errTooManyWatches = errors.New("too many watches")
)

func (ls *listenSession) watch(msg ClientMessage) error {
	if _, dup := ls.watches[msg.ID]; dup {
		return fmt.Errorf("%w: %s", errDuplicateWatch, msg.ID)
	}
	if len(ls.watches) >= maxWatchesPerConn {
		return errTooManyWatches
	}
	if err := ls.srv.cfg.Rules.CanRead(ls.principal, msg.Path); err != nil {
		ls.srv.cfg.Metrics.Inc(metrics.RuleDenied)
		return err
	}

	ctx, cancel := context.WithCancel(ls.ctx)
	store := ls.srv.cfg.Store
	if msg.Type == MessageTypeWatchDocument {
		ch, err := store.WatchDocument(ctx, msg.Path)
		if err != nil {
			cancel()
			return err
		}
		ls.pump(ctx, msg.ID, func() (ServerMessage, bool) {
			snap, ok := <-ch
			return ServerMessage{Type: MessageTypeDocument, ID: msg.ID, Snapshot: &snap}, ok
		})
	} else {
		var q docstore.Query
		if msg.Query != nil {
			q = *msg.Query
		}
		ch, err := store.WatchCollection(ctx, msg.Path, q)
		if err != nil {
			cancel()
			return err
		}
		ls.pump(ctx, msg.ID, func() (ServerMessage, bool) {
			changes, ok := <-ch
			if changes == nil {
				changes = []docstore.Change{}
			}
			return ServerMessage{Type: MessageTypeChanges, ID: msg.ID, Changes: changes}, ok
		})
	}
	ls.watches[msg.ID] = cancel
	ls.srv.cfg.Metrics.Inc(metrics.DocumentWatches)
	return nil
}

// pump forwards one watch stream to the socket until the stream closes.
// Nothing is sent once the watch is cancelled.
func (ls *listenSession) pump(ctx context.Context, id string, next func() (ServerMessage, bool)) {
	ls.wg.Add(1)
	go func() {
		defer ls.wg.Done()
		for {
			msg, ok := next()
			if !ok || ctx.Err() != nil {
				return
			}
			if err := ls.send(msg); err != nil {
				ls.srv.log.Debug("listen send failed", "watch_id", id, "err", err)
				ls.cancel()
				_ = ls.conn.Close()
				return
			}
		}
	}()
}

func (ls *listenSession) pingLoop() {
	defer ls.wg.Done()
	ticker := time.NewTicker(ls.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ls.ctx.Done():
			return
		case <-ticker.C:
			ls.writeMu.Lock()
			err := ls.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			ls.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (ls *listenSession) extendDeadline() {
	_ = ls.conn.SetReadDeadline(time.Now().Add(ls.srv.cfg.IdleTimeout))
}

func (ls *listenSession) send(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	_ = ls.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ls.conn.WriteMessage(websocket.TextMessage, data)
}

func (ls *listenSession) fail(id, code, message string, closeCode int, closeReason string) {
	_ = ls.send(ServerMessage{Type: MessageTypeError, ID: id, Code: code, Message: message})
	ls.closeWith(closeCode, closeReason)
}

func (ls *listenSession) closeWith(code int, reason string) {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	_ = ls.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (ls *listenSession) Close() {
	ls.closeOnce.Do(func() {
		ls.cancel()
		_ = ls.conn.Close()
		ls.wg.Wait()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
