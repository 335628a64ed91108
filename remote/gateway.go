package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/internal/metrics"
	"github.com/BaSui01/botflow/types"
)

// Gateway accepts long-lived websocket connections from remote story
// services. Each service authenticates with a signed token naming its api
// key; at most one connection per key is active, a newer connection
// replaces the previous one. Turn requests are pushed down the socket for
// the service's key and responses are correlated back by request id.
type Gateway struct {
	secret  []byte
	timeout time.Duration

	mu    sync.Mutex
	conns map[string]*gatewayConn

	correlator *Correlator
	logger     *zap.Logger
	collector  *metrics.Collector
}

type gatewayConn struct {
	apiKey string
	ws     *websocket.Conn

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func (g *gatewayConn) close(status websocket.StatusCode, reason string) {
	g.once.Do(func() {
		close(g.closed)
		g.ws.Close(status, reason)
	})
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithExchangeTimeout bounds each pushed exchange; defaults to 10s.
func WithExchangeTimeout(timeout time.Duration) GatewayOption {
	return func(g *Gateway) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// WithGatewayMetrics attaches a metrics collector.
func WithGatewayMetrics(collector *metrics.Collector) GatewayOption {
	return func(g *Gateway) { g.collector = collector }
}

// NewGateway creates a gateway verifying connection tokens with secret.
func NewGateway(secret []byte, logger *zap.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "ws_gateway"))
	g := &Gateway{
		secret:  secret,
		timeout: 10 * time.Second,
		conns:   make(map[string]*gatewayConn),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.correlator = NewCorrelator(g.timeout+g.timeout/2, logger)
	return g
}

// SetMetrics attaches a metrics collector after construction.
func (g *Gateway) SetMetrics(collector *metrics.Collector) {
	g.collector = collector
	g.correlator.SetMetrics(collector)
}

// ServeHTTP upgrades an authenticated request to a websocket connection
// and runs its read loop until the peer disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apiKey, err := g.authenticate(r)
	if err != nil {
		g.logger.Warn("rejected gateway connection", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	conn := &gatewayConn{apiKey: apiKey, ws: ws, closed: make(chan struct{})}
	g.register(conn)
	g.logger.Info("remote service connected", zap.String("api_key", apiKey))

	g.readLoop(r.Context(), conn)

	g.unregister(conn)
	g.logger.Info("remote service disconnected", zap.String("api_key", apiKey))
}

// TransportFor returns a Transport pushing requests to the connection
// authenticated with apiKey. Exchanges fail with TRANSPORT_CLOSED while
// no such connection is active.
func (g *Gateway) TransportFor(apiKey string) engine.Transport {
	return &gatewayTransport{gateway: g, apiKey: apiKey}
}

// Connected reports whether a connection for apiKey is active.
func (g *Gateway) Connected(apiKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.conns[apiKey]
	return ok
}

// Close disconnects all services and stops the correlator.
func (g *Gateway) Close() {
	g.mu.Lock()
	conns := make([]*gatewayConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.conns = make(map[string]*gatewayConn)
	g.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "gateway shutting down")
	}
	g.correlator.Close()
}

func (g *Gateway) authenticate(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		header := r.Header.Get("Authorization")
		raw = strings.TrimPrefix(header, "Bearer ")
		if raw == header {
			raw = ""
		}
	}
	if raw == "" {
		return "", types.NewError(types.ErrUnauthorized, "missing connection token")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, types.NewError(types.ErrUnauthorized, "unexpected signing method "+t.Method.Alg())
		}
		return g.secret, nil
	})
	if err != nil {
		return "", types.NewError(types.ErrUnauthorized, "invalid connection token").WithCause(err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", types.NewError(types.ErrUnauthorized, "connection token carries no api key")
	}
	return claims.Subject, nil
}

func (g *Gateway) register(conn *gatewayConn) {
	g.mu.Lock()
	prev := g.conns[conn.apiKey]
	g.conns[conn.apiKey] = conn
	g.mu.Unlock()
	if prev != nil {
		prev.close(websocket.StatusPolicyViolation, "replaced by newer connection")
	}
}

func (g *Gateway) unregister(conn *gatewayConn) {
	g.mu.Lock()
	if g.conns[conn.apiKey] == conn {
		delete(g.conns, conn.apiKey)
	}
	g.mu.Unlock()
	conn.close(websocket.StatusNormalClosure, "")
}

func (g *Gateway) readLoop(ctx context.Context, conn *gatewayConn) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return
		}
		var resp engine.RemoteResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			g.logger.Warn("dropping malformed response frame",
				zap.String("api_key", conn.apiKey), zap.Error(err))
			continue
		}
		g.correlator.Resolve(&resp)
	}
}

type gatewayTransport struct {
	gateway *Gateway
	apiKey  string
}

// Exchange implements engine.Transport.
func (t *gatewayTransport) Exchange(ctx context.Context, req *engine.RemoteRequest) (*engine.RemoteResponse, error) {
	g := t.gateway
	start := time.Now()
	resp, err := t.exchange(ctx, req)
	if g.collector != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		g.collector.RecordRemoteExchange("websocket", outcome, time.Since(start))
	}
	return resp, err
}

func (t *gatewayTransport) exchange(ctx context.Context, req *engine.RemoteRequest) (*engine.RemoteResponse, error) {
	g := t.gateway

	g.mu.Lock()
	conn := g.conns[t.apiKey]
	g.mu.Unlock()
	if conn == nil {
		return nil, types.NewError(types.ErrTransportClosed, "no active connection for api key "+t.apiKey).WithRetryable(true)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, types.NewError(types.ErrNoRemoteResponse, "failed to encode request").WithCause(err)
	}

	g.correlator.Register(req.RequestID)

	conn.writeMu.Lock()
	err = conn.ws.Write(ctx, websocket.MessageText, payload)
	conn.writeMu.Unlock()
	if err != nil {
		g.correlator.remove(req.RequestID)
		return nil, types.NewError(types.ErrTransportClosed, "failed to push request").WithCause(err).WithRetryable(true)
	}
	return g.correlator.Await(ctx, req.RequestID, g.timeout)
}

var _ engine.Transport = (*gatewayTransport)(nil)
