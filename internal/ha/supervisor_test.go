package ha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/auth/jwt"
	"github.com/stratonas/middled/internal/common/config"
	"github.com/stratonas/middled/internal/common/errorx"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fakePeer is a minimal dispatcher impersonation: handshake, token auth,
// and a few canned methods.
func fakePeer(t *testing.T, authed *atomic.Bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	svc, err := jwt.NewService(jwt.Config{SecretKey: testSecret, Duration: time.Minute})
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var f map[string]any
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			switch f["msg"] {
			case "connect":
				_ = ws.WriteJSON(map[string]any{"msg": "connected", "session": "peer"})
			case "method":
				id := f["id"]
				var result any
				var errObj map[string]any
				switch f["method"] {
				case "failover.auth":
					params, _ := f["params"].([]any)
					token, _ := params[0].(string)
					if _, err := svc.ValidateToken(token); err != nil {
						errObj = map[string]any{"type": "Unauthorized", "reason": "bad token"}
					} else {
						if authed != nil {
							authed.Store(true)
						}
						result = true
					}
				case "system.version":
					result = "9.9.9"
				case "echo.upper":
					params, _ := f["params"].([]any)
					s, _ := params[0].(string)
					result = strings.ToUpper(s)
				case "demo.job":
					result = 5
				case "core.job_wait":
					result = "job done"
				default:
					errObj = map[string]any{"type": "MethodNotFound", "reason": "no such method"}
				}
				reply := map[string]any{"msg": "result", "id": id}
				if errObj != nil {
					reply["error"] = errObj
				} else {
					reply["result"] = result
				}
				_ = ws.WriteJSON(reply)
			}
		}
	}))
}

func newTestSupervisor(t *testing.T, peerURL string) *Supervisor {
	t.Helper()
	svc, err := jwt.NewService(jwt.Config{SecretKey: testSecret, Duration: time.Minute})
	require.NoError(t, err)
	sup := NewSupervisor(zap.NewNop(), config.FailoverConfig{
		PeerURL:      peerURL,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		CallTimeout:  2 * time.Second,
	}, svc)
	t.Cleanup(sup.Stop)
	return sup
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCallRemoteFailsFastWhileDown(t *testing.T) {
	sup := newTestSupervisor(t, "ws://127.0.0.1:1/websocket")
	_, err := sup.CallRemote(context.Background(), "system.version", nil, CallOptions{})
	require.Error(t, err)
	assert.True(t, errorx.Is(err, errorx.TypeRemoteUnavailable))
}

func TestCallRemoteRoundTrip(t *testing.T) {
	var authed atomic.Bool
	peer := fakePeer(t, &authed)
	defer peer.Close()

	sup := newTestSupervisor(t, wsURL(peer))
	sup.Start()

	require.Eventually(t, sup.Connected, 5*time.Second, 10*time.Millisecond)
	assert.True(t, authed.Load(), "link must authenticate with a JWT")

	result, err := sup.CallRemote(context.Background(), "echo.upper", []any{"tank"}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "TANK", result)

	// The peer's version is captured once per connection.
	require.Eventually(t, func() bool {
		return sup.RemoteVersion() == "9.9.9"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCallRemoteErrorsAreTyped(t *testing.T) {
	peer := fakePeer(t, nil)
	defer peer.Close()

	sup := newTestSupervisor(t, wsURL(peer))
	sup.Start()
	require.Eventually(t, sup.Connected, 5*time.Second, 10*time.Millisecond)

	_, err := sup.CallRemote(context.Background(), "no.such.method", nil, CallOptions{})
	require.Error(t, err)
	assert.True(t, errorx.Is(err, errorx.TypeMethodNotFound))
}

func TestCallRemoteJobWaitAndUnwrap(t *testing.T) {
	peer := fakePeer(t, nil)
	defer peer.Close()

	sup := newTestSupervisor(t, wsURL(peer))
	sup.Start()
	require.Eventually(t, sup.Connected, 5*time.Second, 10*time.Millisecond)

	// job + job_return unwraps the final result.
	result, err := sup.CallRemote(context.Background(), "demo.job", nil,
		CallOptions{Job: true, JobReturn: true})
	require.NoError(t, err)
	assert.Equal(t, "job done", result)

	// job without job_return returns the id once the job is finished.
	result, err = sup.CallRemote(context.Background(), "demo.job", nil,
		CallOptions{Job: true})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result)
}

func TestOnConnectFiresAfterReconnect(t *testing.T) {
	peer := fakePeer(t, nil)
	defer peer.Close()

	var fired atomic.Int32
	sup := newTestSupervisor(t, wsURL(peer))
	sup.OnConnect(func() { fired.Add(1) })
	sup.Start()

	require.Eventually(t, func() bool { return fired.Load() >= 1 },
		5*time.Second, 10*time.Millisecond)
}
