package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/chat-relay/backend/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSendBuffer = 256

	defaultWebsocketReadBufferSize     = 4096
	defaultWebsocketWriteBufferSize    = 4096
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
	ErrConnClosed = errors.New("connection is closed")
)

type (
	Router interface {
		HandleMessage(ctx context.Context, conn model.Conn, raw []byte) error
		Disconnect(conn model.Conn)
	}

	Config struct {
		Logger         *zerolog.Logger
		Router         Router
		ListenAddr     string
		SendBuffer     int
		MaxMessageSize int64
	}

	Server struct {
		router Router
		ws     *websocket.Upgrader
		*http.Server

		// connections live until ctx is canceled on shutdown
		ctx    context.Context
		cancel context.CancelFunc

		sendBuffer     int
		maxMessageSize int64

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		router: cfg.Router,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		ctx:            ctx,
		cancel:         cancel,
		sendBuffer:     cfg.SendBuffer,
		maxMessageSize: cfg.MaxMessageSize,
	}
	if srv.sendBuffer <= 0 {
		srv.sendBuffer = defaultSendBuffer
	}
	if srv.maxMessageSize <= 0 {
		srv.maxMessageSize = defaultWebSocketMaxMessageSize
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.serve)

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: defaultWebSocketHandshakeTimeout,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.cancel()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) serve(w http.ResponseWriter, r *http.Request) {
	wsConn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied with http error
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	wsConn.SetReadLimit(srv.maxMessageSize)

	c := newConn(wsConn, srv.sendBuffer)
	logger := srv.logger.With().
		Str("connID", c.ID()).
		Str("remote", r.RemoteAddr).
		Logger()
	logger.Debug().Msg("new client connected")

	ctx, cancel := context.WithCancel(srv.ctx) // long-living connection context
	go srv.handleWSConn(ctx, cancel, c, &logger)
}

func (srv *Server) handleWSConn(ctx context.Context, cancel context.CancelFunc, c *conn, logger *zerolog.Logger) {
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, c, logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, c, logger)
		cancel()
	}()

	<-ctx.Done()
	_ = c.Close()
	webSocketCloser(c.ws, logger) // unblocks receiver
	wg.Wait()

	srv.router.Disconnect(c)
	logger.Debug().Msg("client disconnected")
}

func webSocketSender(ctx context.Context, wg *sync.WaitGroup, c *conn, logger *zerolog.Logger) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-c.done:
			break SendLoop
		case <-pingTicker.C:
			wsErr := c.ws.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = c.ws.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case b := <-c.tx:
			wsErr := c.ws.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = c.ws.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(ctx context.Context, wg *sync.WaitGroup, c *conn, logger *zerolog.Logger) {
	defer wg.Done()

	readDeadLineFunc := func(deadline time.Duration) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	}
	c.ws.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, wsErr := c.ws.ReadMessage()
		if wsErr != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(wsErr).Msg("connection closed")
			default:
				logger.Warn().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		// every message is routed before the next one is read
		if err := srv.router.HandleMessage(ctx, c, msg); err != nil {
			logger.Debug().Err(err).Msg("message rejected")
		}
	}
}

// webSocketCloser may run concurrently with sender, WriteControl is safe for that.
func webSocketCloser(ws *websocket.Conn, logger *zerolog.Logger) {
	wsErr := ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Trace().Err(wsErr).Msg("failed to send websocket close message")
	}
	if wsErr = ws.Close(); wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}

// conn adapts websocket connection to model.Conn.
// Outgoing messages are queued and written by the sender goroutine.
type conn struct {
	id        string
	ws        *websocket.Conn
	tx        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, sendBuffer int) *conn {
	return &conn{
		id:   uuid.NewString(),
		ws:   ws,
		tx:   make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *conn) ID() string {
	return c.id
}

// Send queues b for writing, it blocks until there is room in the queue,
// ctx is done or connection is closed.
func (c *conn) Send(ctx context.Context, b []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.tx <- b:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops connection pumps, actual teardown is done by the server.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}
