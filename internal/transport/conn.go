package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"cdpwire/internal/eventbus"
	"cdpwire/internal/logger"
	"cdpwire/internal/metrics"
	"cdpwire/internal/protocol"
	"cdpwire/pkg/model"
)

const (
	DefaultCommandTimeout = 30 * time.Second
	outboundQueueSize     = 64
	closeGracePeriod      = time.Second
)

var errClosedByClient = errors.New("connection closed by client")

type options struct {
	log        logger.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
	bufferSize int
	header     http.Header
	dialer     *websocket.Dialer
}

// Option 连接参数
type Option func(*options)

func WithLogger(l logger.Logger) Option { return func(o *options) { o.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithCommandTimeout 设置默认命令超时
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithEventBuffer 设置每个订阅者的事件缓冲容量
func WithEventBuffer(n int) Option { return func(o *options) { o.bufferSize = n } }

func WithHeader(h http.Header) Option { return func(o *options) { o.header = h } }

func WithDialer(d *websocket.Dialer) Option { return func(o *options) { o.dialer = d } }

// Conn 单个 WebSocket 上的 CDP 连接：命令关联与事件分发
type Conn struct {
	ws      *websocket.Conn
	log     logger.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	reg      *registry
	bus      *eventbus.Bus
	outbound chan *protocol.Command

	done      chan struct{}
	loopsDone chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial 连接浏览器调试 WebSocket 并启动读写循环
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	o := options{timeout: DefaultCommandTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	dialer := o.dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1 << 16,
			WriteBufferSize:  1 << 16,
		}
	}
	ws, _, err := dialer.DialContext(ctx, url, o.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(ws, o), nil
}

func newConn(ws *websocket.Conn, o options) *Conn {
	if o.log == nil {
		o.log = logger.NewNop()
	}
	c := &Conn{
		ws:        ws,
		log:       o.log,
		metrics:   o.metrics,
		timeout:   o.timeout,
		reg:       newRegistry(),
		bus:       eventbus.New(o.bufferSize, o.metrics),
		outbound:  make(chan *protocol.Command, outboundQueueSize),
		done:      make(chan struct{}),
		loopsDone: make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		err := c.readLoop()
		c.shutdown(err)
		return err
	})
	g.Go(func() error {
		err := c.writeLoop(gctx)
		c.shutdown(err)
		return err
	})
	go func() {
		_ = g.Wait()
		close(c.loopsDone)
	}()

	c.log.Info("CDP 连接已建立", "remote", ws.RemoteAddr().String())
	return c
}

func (c *Conn) readLoop() error {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage {
			c.log.Debug("忽略非文本帧", "type", mt)
			continue
		}

		kind, resp, ev, err := protocol.Classify(data)
		switch kind {
		case protocol.KindResponse:
			rep := reply{result: resp.Result, perr: resp.Error}
			if !c.reg.resolve(resp.ID, rep) {
				c.log.Warn("收到未知 id 的响应，已丢弃", "id", resp.ID)
			}
		case protocol.KindEvent:
			c.bus.Publish(*ev)
		default:
			c.log.Warn("丢弃无法解析的帧", "error", err, "size", len(data))
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case cmd := <-c.outbound:
			data, err := cmd.Encode()
			if err != nil {
				c.log.Err(err, "命令序列化失败，已丢弃", "id", cmd.ID, "method", cmd.Method)
				c.reg.resolve(cmd.ID, reply{err: err})
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.reg.resolve(cmd.ID, reply{err: fmt.Errorf("%w: %v", model.ErrConnectionLost, err)})
				return err
			}
		}
	}
}

// shutdown 只执行一次：关闭套接字、结束挂起命令与事件订阅
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = errClosedByClient
		}
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		close(c.done)
		_ = c.ws.Close()
		n := c.reg.failAll(model.ErrConnectionLost)
		c.bus.Close()

		if errors.Is(cause, errClosedByClient) {
			c.log.Info("CDP 连接已关闭", "pending", n)
		} else {
			c.log.Warn("CDP 连接中断", "error", cause, "pending", n)
		}
	})
}

// SendOption 单次命令参数
type SendOption func(*sendOptions)

type sendOptions struct {
	session string
	timeout time.Duration
}

// WithSession 在指定 session 上发送命令
func WithSession(id string) SendOption { return func(o *sendOptions) { o.session = id } }

// WithTimeout 覆盖本次命令的超时
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Send 发送命令并等待唯一结果：成功、协议错误、超时或连接断开
func (c *Conn) Send(ctx context.Context, method string, params any, opts ...SendOption) (json.RawMessage, error) {
	so := sendOptions{timeout: c.timeout}
	for _, o := range opts {
		o(&so)
	}

	id, ch, err := c.reg.register()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, model.ErrConnectionLost)
	}

	start := time.Now()
	c.metrics.CommandSent(method)
	timer := time.NewTimer(so.timeout)
	defer timer.Stop()

	result, err := c.await(ctx, timer, id, ch, &protocol.Command{ID: id, Method: method, Params: params, SessionID: so.session})
	if err != nil {
		var terr *model.TimeoutError
		if errors.As(err, &terr) {
			terr.Op = method
			terr.Duration = so.timeout
		}
	}
	c.metrics.CommandDone(method, time.Since(start), errKind(err))
	return result, err
}

func (c *Conn) await(ctx context.Context, timer *time.Timer, id uint64, ch <-chan reply, cmd *protocol.Command) (json.RawMessage, error) {
	select {
	case c.outbound <- cmd:
	case rep := <-ch:
		// 入队前连接已断开
		return nil, fmt.Errorf("%s: %w", cmd.Method, rep.err)
	case <-timer.C:
		c.reg.forget(id)
		return nil, &model.TimeoutError{}
	case <-ctx.Done():
		c.reg.forget(id)
		return nil, ctx.Err()
	}

	select {
	case rep := <-ch:
		switch {
		case rep.err != nil:
			return nil, fmt.Errorf("%s: %w", cmd.Method, rep.err)
		case rep.perr != nil:
			return nil, &model.ProtocolError{Method: cmd.Method, Code: rep.perr.Code, Message: rep.perr.Message, Data: rep.perr.Data}
		default:
			return rep.result, nil
		}
	case <-timer.C:
		c.reg.forget(id)
		return nil, &model.TimeoutError{}
	case <-ctx.Done():
		c.reg.forget(id)
		return nil, ctx.Err()
	}
}

// Call 发送命令并把结果解码到 reply（reply 可为 nil）
func (c *Conn) Call(ctx context.Context, method string, params, reply any, opts ...SendOption) error {
	res, err := c.Send(ctx, method, params, opts...)
	if err != nil {
		return err
	}
	if reply == nil || len(res) == 0 {
		return nil
	}
	if err := json.Unmarshal(res, reply); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Subscribe 创建独立的事件流
func (c *Conn) Subscribe(opts ...eventbus.Option) *eventbus.Subscription {
	return c.bus.Subscribe(opts...)
}

// Session 返回绑定到 session id 的命令发送器
func (c *Conn) Session(id string) *Session {
	return &Session{conn: c, id: id}
}

// Pending 当前挂起的命令数
func (c *Conn) Pending() int { return c.reg.len() }

// Done 连接结束时关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 返回连接结束原因，连接仍存活时为 nil
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close 发送关闭帧并等待读写循环退出
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	c.shutdown(errClosedByClient)
	<-c.loopsDone
	return nil
}

func errKind(err error) string {
	var perr *model.ProtocolError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrTimeout):
		return "timeout"
	case errors.As(err, &perr):
		return "protocol"
	case errors.Is(err, model.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// Session 在单个 CDP session 上发送命令
type Session struct {
	conn *Conn
	id   string
}

func (s *Session) ID() string { return s.id }

func (s *Session) Conn() *Conn { return s.conn }

func (s *Session) Call(ctx context.Context, method string, params, reply any) error {
	return s.conn.Call(ctx, method, params, reply, WithSession(s.id))
}

func (s *Session) Send(ctx context.Context, method string, params any, opts ...SendOption) (json.RawMessage, error) {
	return s.conn.Send(ctx, method, params, append([]SendOption{WithSession(s.id)}, opts...)...)
}

// Subscribe 只订阅本 session 的事件
func (s *Session) Subscribe(opts ...eventbus.Option) *eventbus.Subscription {
	return s.conn.Subscribe(append([]eventbus.Option{eventbus.WithSession(s.id)}, opts...)...)
}
