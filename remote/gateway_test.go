package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/engine"
	"github.com/BaSui01/botflow/types"
)

var testGatewaySecret = []byte("gateway-test-secret")

func signToken(t *testing.T, secret []byte, apiKey string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   apiKey,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func dialGateway(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http", "ws", 1) + "?token=" + token
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// echoService reads pushed requests off a gateway connection and answers
// each one with a single sentence.
func echoService(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	go func() {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var req engine.RemoteRequest
			if json.Unmarshal(data, &req) != nil {
				continue
			}
			resp := engine.RemoteResponse{
				RequestID: req.RequestID,
				Messages:  []engine.RemoteMessage{{Type: engine.MessageSentence, Text: "echo:" + req.Message}},
			}
			payload, _ := json.Marshal(resp)
			conn.Write(context.Background(), websocket.MessageText, payload)
		}
	}()
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	t.Parallel()

	gw := NewGateway(testGatewaySecret, zap.NewNop())
	defer gw.Close()
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayRejectsBadSignature(t *testing.T) {
	t.Parallel()

	gw := NewGateway(testGatewaySecret, zap.NewNop())
	defer gw.Close()
	srv := httptest.NewServer(gw)
	defer srv.Close()

	token := signToken(t, []byte("wrong-secret"), "bot-a")
	resp, err := http.Get(srv.URL + "?token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayExchange(t *testing.T) {
	t.Parallel()

	gw := NewGateway(testGatewaySecret, zap.NewNop(), WithExchangeTimeout(2*time.Second))
	defer gw.Close()
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn := dialGateway(t, srv, signToken(t, testGatewaySecret, "bot-a"))
	echoService(t, conn)

	require.Eventually(t, func() bool { return gw.Connected("bot-a") },
		2*time.Second, 10*time.Millisecond)

	transport := gw.TransportFor("bot-a")
	resp, err := transport.Exchange(context.Background(), &engine.RemoteRequest{
		RequestID: "req-1",
		Message:   "hi",
	})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "echo:hi", resp.Messages[0].Text)
}

func TestGatewayExchangeWithoutConnection(t *testing.T) {
	t.Parallel()

	gw := NewGateway(testGatewaySecret, zap.NewNop())
	defer gw.Close()

	transport := gw.TransportFor("nobody-home")
	_, err := transport.Exchange(context.Background(), &engine.RemoteRequest{RequestID: "req-1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrTransportClosed, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestGatewayExchangeTimesOut(t *testing.T) {
	t.Parallel()

	gw := NewGateway(testGatewaySecret, zap.NewNop(), WithExchangeTimeout(50*time.Millisecond))
	defer gw.Close()
	srv := httptest.NewServer(gw)
	defer srv.Close()

	// Connected but never answers.
	dialGateway(t, srv, signToken(t, testGatewaySecret, "bot-b"))
	require.Eventually(t, func() bool { return gw.Connected("bot-b") },
		2*time.Second, 10*time.Millisecond)

	transport := gw.TransportFor("bot-b")
	_, err := transport.Exchange(context.Background(), &engine.RemoteRequest{RequestID: "req-1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoRemoteResponse, types.GetErrorCode(err))
}

func TestGatewayNewerConnectionReplacesOlder(t *testing.T) {
	t.Parallel()

	gw := NewGateway(testGatewaySecret, zap.NewNop(), WithExchangeTimeout(2*time.Second))
	defer gw.Close()
	srv := httptest.NewServer(gw)
	defer srv.Close()

	dialGateway(t, srv, signToken(t, testGatewaySecret, "bot-c"))
	require.Eventually(t, func() bool { return gw.Connected("bot-c") },
		2*time.Second, 10*time.Millisecond)

	second := dialGateway(t, srv, signToken(t, testGatewaySecret, "bot-c"))
	echoService(t, second)

	// The replacement connection serves exchanges for the key.
	require.Eventually(t, func() bool {
		resp, err := gw.TransportFor("bot-c").Exchange(context.Background(), &engine.RemoteRequest{
			RequestID: "probe", Message: "x",
		})
		return err == nil && len(resp.Messages) == 1
	}, 3*time.Second, 50*time.Millisecond)
}
