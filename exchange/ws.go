package exchange

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/metrics"
)

const wsReadTimeout = 30 * time.Second

// WSSession 管理单条 WebSocket 连接：自动重连、读超时续期、断线回调。
// 各 venue 只需提供 Endpoint 与消息回调，重连后的状态补偿通过 OnConnected 完成。
type WSSession struct {
	// Endpoint 每次（重）连接时求值，listenKey 之类的会话令牌可以在这里刷新。
	Endpoint func(ctx context.Context) (url string, header http.Header, err error)

	// OnMessage 每条原始消息回调，在读循环 goroutine 内执行。
	OnMessage func(raw []byte)

	// OnConnected 连接建立后回调，用于断线期间丢失事件的状态补偿。
	OnConnected func(ctx context.Context)

	// OnFatal 重连次数耗尽后的致命错误回调。
	OnFatal func(err error)

	Log          *logger.Logger
	Dialer       *websocket.Dialer
	MaxRetries   int
	RetryBackoff time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Start 同步建立首次连接并启动后台读循环。首连失败直接返回错误，
// 之后的断线由会话自行重连。重复调用且会话仍在运行时直接返回（幂等）。
func (s *WSSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
			// 上一个会话已退出，允许重启
		default:
			return nil
		}
	}
	if s.Dialer == nil {
		s.Dialer = websocket.DefaultDialer
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 5
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 3 * time.Second
	}

	url, header, err := s.Endpoint(ctx)
	if err != nil {
		return err
	}
	conn, _, err := s.Dialer.DialContext(ctx, url, header)
	if err != nil {
		return err
	}
	s.conn = conn
	metrics.WSConnected.Set(1)
	if s.Log != nil {
		s.Log.Info("websocket connected")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	if s.OnConnected != nil {
		s.OnConnected(runCtx)
	}
	go s.run(runCtx, conn)
	return nil
}

// Stop 关闭连接并等待读循环退出。
func (s *WSSession) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

// run 连接主循环：先消费 Start 建立的连接，断开后按线性退避重连。
func (s *WSSession) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	retries := 0
	for {
		if conn != nil {
			s.readLoop(conn)

			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			metrics.WSConnected.Set(0)
			conn = nil

			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.Log != nil {
				s.Log.Warn("websocket disconnected, reconnecting...")
			}
			metrics.WSReconnects.Inc()
			sleepCtx(ctx, s.RetryBackoff)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		url, header, err := s.Endpoint(ctx)
		if err == nil {
			var next *websocket.Conn
			next, _, err = s.Dialer.DialContext(ctx, url, header)
			if err == nil {
				s.mu.Lock()
				s.conn = next
				s.mu.Unlock()

				metrics.WSConnected.Set(1)
				if s.Log != nil {
					s.Log.Info("websocket reconnected")
				}
				if s.OnConnected != nil {
					s.OnConnected(ctx)
				}
				retries = 0
				conn = next
				continue
			}
		}

		if retries >= s.MaxRetries {
			if s.Log != nil {
				s.Log.LogError(err, map[string]interface{}{"retries": retries})
			}
			if s.OnFatal != nil {
				s.OnFatal(err)
			}
			return
		}
		retries++
		metrics.WSReconnects.Inc()
		backoff := time.Duration(retries) * s.RetryBackoff
		if s.Log != nil {
			s.Log.Warn("websocket dial failed, retrying",
				zap.Int("attempt", retries), zap.String("backoff", backoff.String()))
		}
		sleepCtx(ctx, backoff)
	}
}

// readLoop 读取消息直至连接断开，pong 续期读超时。
func (s *WSSession) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if s.OnMessage != nil {
			s.OnMessage(msg)
		}
	}
}

// Send 向当前连接写入一条文本消息；未连接时返回 false。
func (s *WSSession) Send(payload []byte) bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.WriteMessage(websocket.TextMessage, payload) == nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
