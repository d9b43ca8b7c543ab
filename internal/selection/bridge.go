package selection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const actionGetSelectedText = "getSelectedText"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" ||
			strings.HasPrefix(origin, "chrome-extension://") ||
			strings.HasPrefix(origin, "moz-extension://")
	},
}

// bridgeRequest уходит расширению, а оно передаёт его content script
// активной вкладки.
type bridgeRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// bridgeReply сопоставляется с bridgeRequest по ID. Error выставляет
// расширение, если активной вкладки нет или content script не ответил.
type bridgeReply struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Title string `json:"title"`
	Error string `json:"error,omitempty"`
}

// Bridge это Source поверх WebSocket-соединения от расширения браузера.
// Используется только последнее соединение.
type Bridge struct {
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	conn *bridgeConn
}

func NewBridge(timeout time.Duration, logger *slog.Logger) *Bridge {
	return &Bridge{
		timeout: timeout,
		logger:  logger,
	}
}

// Connected сообщает, подключено ли расширение.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// ServeHTTP апгрейдит запрос и обслуживает соединение, пока оно не закроется.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log().Warn("bridge upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := newBridgeConn(ws)
	b.attach(conn)
	b.log().Info("extension connected", slog.String("remote", r.RemoteAddr))

	err = conn.readLoop()
	b.detach(conn)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		b.log().Warn("extension connection error", slog.String("error", err.Error()))
	}
	b.log().Info("extension disconnected", slog.String("remote", r.RemoteAddr))
}

// Selected запрашивает у расширения текущее выделение и ждёт ответ не дольше
// настроенного таймаута.
func (b *Bridge) Selected(ctx context.Context) (Selection, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return Selection{}, fmt.Errorf("%w: no extension connected", ErrUnavailable)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	replies := conn.register(id)
	defer conn.unregister(id)

	if err := conn.send(bridgeRequest{ID: id, Action: actionGetSelectedText}, b.timeout); err != nil {
		return Selection{}, fmt.Errorf("%w: send request: %w", ErrUnavailable, err)
	}

	select {
	case reply := <-replies:
		if reply.Error != "" {
			return Selection{}, fmt.Errorf("%w: %s", ErrUnavailable, reply.Error)
		}
		return Selection{Text: reply.Text, Title: reply.Title}, nil
	case <-conn.done:
		return Selection{}, fmt.Errorf("%w: extension disconnected", ErrUnavailable)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Selection{}, fmt.Errorf("%w: no reply within %s", ErrUnavailable, b.timeout)
		}
		return Selection{}, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	}
}

// Close разрывает текущее соединение с расширением. http.Server.Shutdown не
// закрывает перехваченные соединения, поэтому это делает вызывающий при выходе.
func (b *Bridge) Close() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		conn.close()
	}
}

func (b *Bridge) attach(conn *bridgeConn) {
	b.mu.Lock()
	prev := b.conn
	b.conn = conn
	b.mu.Unlock()

	if prev != nil {
		prev.close()
	}
}

func (b *Bridge) detach(conn *bridgeConn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	conn.close()
}

func (b *Bridge) log() *slog.Logger {
	if b.logger == nil {
		return slog.Default()
	}
	return b.logger
}

type bridgeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan bridgeReply

	done      chan struct{}
	closeOnce sync.Once
}

func newBridgeConn(ws *websocket.Conn) *bridgeConn {
	return &bridgeConn{
		ws:      ws,
		pending: make(map[string]chan bridgeReply),
		done:    make(chan struct{}),
	}
}

func (c *bridgeConn) register(id string) <-chan bridgeReply {
	ch := make(chan bridgeReply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *bridgeConn) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *bridgeConn) send(req bridgeRequest, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.ws.WriteJSON(req)
}

func (c *bridgeConn) readLoop() error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		// Битый JSON от расширения пропускаем: соединение рвёт только ошибка сокета.
		var reply bridgeReply
		if err := json.Unmarshal(data, &reply); err != nil || reply.ID == "" {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[reply.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- reply:
			default:
			}
		}
	}
}

func (c *bridgeConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
