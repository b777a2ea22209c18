// Package ha maintains the persistent link to the high-availability peer
// and proxies method calls across it.
package ha

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/auth/jwt"
	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/config"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/transport"
)

// CallOptions tunes one proxied call.
type CallOptions struct {
	Timeout   time.Duration // 0 uses the configured default
	Job       bool          // wait for the peer job to reach a terminal state
	JobReturn bool          // return the job's result instead of its id
}

// Supervisor owns the single outbound peer connection. It reconnects with
// backoff and fails calls fast while the link is down.
type Supervisor struct {
	logger *zap.Logger
	cfg    config.FailoverConfig
	jwt    *jwt.Service
	http   *http.Client

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	remoteVer string
	pending   map[string]chan *transport.Frame
	onConnect []func()

	writeMu sync.Mutex
	nextID  atomic.Uint64
	stop    chan struct{}
	stopped sync.Once
}

// NewSupervisor creates the supervisor; the link is not dialed until Start.
func NewSupervisor(logger *zap.Logger, cfg config.FailoverConfig, jwtSvc *jwt.Service) *Supervisor {
	return &Supervisor{
		logger:  logger.Named("ha"),
		cfg:     cfg,
		jwt:     jwtSvc,
		pending: make(map[string]chan *transport.Frame),
		stop:    make(chan struct{}),
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureVerify},
			},
		},
	}
}

// OnConnect registers a callback fired after every successful (re)connect.
// Must be called before Start.
func (s *Supervisor) OnConnect(fn func()) {
	s.onConnect = append(s.onConnect, fn)
}

// Start runs the connect loop until Stop. No-op when no peer is configured.
func (s *Supervisor) Start() {
	if s.cfg.PeerURL == "" {
		s.logger.Info("no peer configured, failover link disabled")
		return
	}
	go s.loop()
}

// Stop tears the link down permanently.
func (s *Supervisor) Stop() {
	s.stopped.Do(func() { close(s.stop) })
	s.mu.Lock()
	if s.ws != nil {
		_ = s.ws.Close()
	}
	s.mu.Unlock()
}

// Connected reports link health.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// RemoteVersion returns the peer's version string, captured once per
// connection, or "" while disconnected.
func (s *Supervisor) RemoteVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteVer
}

// loop dials, serves, and backs off, forever.
func (s *Supervisor) loop() {
	backoff := s.cfg.ReconnectMin
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := s.cfg.ReconnectMax
	if maxBackoff <= 0 {
		maxBackoff = time.Minute
	}

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		ws, err := s.dial()
		if err != nil {
			s.logger.Warn("peer dial failed",
				zap.String("peer", s.cfg.PeerURL),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-s.stop:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = s.cfg.ReconnectMin
		if backoff <= 0 {
			backoff = time.Second
		}
		s.serve(ws)
	}
}

// dial establishes and authenticates one peer connection.
func (s *Supervisor) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: s.cfg.InsecureVerify},
	}
	ws, _, err := dialer.Dial(s.cfg.PeerURL, nil)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*websocket.Conn, error) {
		_ = ws.Close()
		return nil, err
	}

	// Protocol handshake, then JWT authentication.
	if err := ws.WriteJSON(map[string]any{
		"msg": cnst.MsgConnect, "version": "1", "support": []string{"1"},
	}); err != nil {
		return fail(err)
	}
	var reply transport.Frame
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := ws.ReadJSON(&reply); err != nil {
		return fail(err)
	}
	if reply.Msg != cnst.MsgConnected {
		return fail(fmt.Errorf("peer refused handshake: %s", reply.Msg))
	}

	token, err := s.jwt.GenerateToken(cnst.SystemIdentity, []string{cnst.RoleFullAdmin})
	if err != nil {
		return fail(err)
	}
	if err := ws.WriteJSON(map[string]any{
		"msg": cnst.MsgMethod, "id": "ha-auth", "method": "failover.auth", "params": []any{token},
	}); err != nil {
		return fail(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := ws.ReadJSON(&reply); err != nil {
		return fail(err)
	}
	if reply.Error != nil {
		return fail(fmt.Errorf("peer rejected credentials: %s", reply.Error.Reason))
	}
	_ = ws.SetReadDeadline(time.Time{})
	return ws, nil
}

// serve owns one live connection until it breaks.
func (s *Supervisor) serve(ws *websocket.Conn) {
	s.mu.Lock()
	s.ws = ws
	s.connected = true
	s.mu.Unlock()
	s.logger.Info("peer link established", zap.String("peer", s.cfg.PeerURL))

	for _, fn := range s.onConnect {
		go fn()
	}
	go s.captureVersion()

	for {
		var f transport.Frame
		if err := ws.ReadJSON(&f); err != nil {
			break
		}
		if f.Msg != cnst.MsgResult || f.ID == "" {
			continue
		}
		s.mu.Lock()
		ch := s.pending[f.ID]
		delete(s.pending, f.ID)
		s.mu.Unlock()
		if ch != nil {
			ch <- &f
		}
	}

	s.mu.Lock()
	s.ws = nil
	s.connected = false
	s.remoteVer = ""
	// Every in-flight call fails; the peer will never answer them.
	pending := s.pending
	s.pending = make(map[string]chan *transport.Frame)
	s.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	_ = ws.Close()
	s.logger.Warn("peer link lost", zap.String("peer", s.cfg.PeerURL))
}

// captureVersion records the peer's version for compatibility gating.
func (s *Supervisor) captureVersion() {
	result, err := s.CallRemote(context.Background(), "system.version", nil, CallOptions{})
	if err != nil {
		s.logger.Debug("failed to capture peer version", zap.Error(err))
		return
	}
	ver, _ := result.(string)
	s.mu.Lock()
	s.remoteVer = ver
	s.mu.Unlock()
}

// CallRemote forwards one method call to the peer. While the link is down
// it fails immediately with RemoteUnavailable.
func (s *Supervisor) CallRemote(ctx context.Context, method string, params []any, opts CallOptions) (any, error) {
	result, err := s.call(ctx, method, params, opts.Timeout)
	if err != nil || !opts.Job {
		return result, err
	}

	// The peer returned a job id; wait for the job to finish there.
	jobID, ok := asInt64(result)
	if !ok {
		return nil, errorx.Internal(fmt.Errorf("peer returned %T instead of a job id", result))
	}
	final, err := s.call(ctx, "core.job_wait", []any{jobID}, opts.Timeout)
	if err != nil {
		return nil, err
	}
	if opts.JobReturn {
		return final, nil
	}
	return jobID, nil
}

func (s *Supervisor) call(ctx context.Context, method string, params []any, timeout time.Duration) (any, error) {
	s.mu.Lock()
	ws := s.ws
	if ws == nil {
		s.mu.Unlock()
		return nil, errorx.RemoteUnavailable("peer %s is not connected", s.cfg.PeerURL)
	}
	id := "ha-" + strconv.FormatUint(s.nextID.Add(1), 10)
	ch := make(chan *transport.Frame, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	if params == nil {
		params = []any{}
	}
	s.writeMu.Lock()
	err := ws.WriteJSON(map[string]any{
		"msg": cnst.MsgMethod, "id": id, "method": method, "params": params,
	})
	s.writeMu.Unlock()
	if err != nil {
		s.dropPending(id)
		return nil, errorx.RemoteUnavailable("peer write failed: %v", err)
	}

	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, errorx.RemoteUnavailable("peer connection lost mid-call")
		}
		if f.Error != nil {
			return nil, errorx.New(errorx.ErrType(f.Error.Type), "%s", f.Error.Reason)
		}
		return f.Result, nil
	case <-timer.C:
		s.dropPending(id)
		return nil, errorx.Timeout("peer call %s timed out after %s", method, timeout)
	case <-ctx.Done():
		s.dropPending(id)
		return nil, errorx.Aborted("peer call %s cancelled", method)
	}
}

func (s *Supervisor) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// SendFile streams a local file to the peer's upload sidecar, bound by a
// one-shot token minted on the peer.
func (s *Supervisor) SendFile(ctx context.Context, token, localPath, remotePath string) (int64, error) {
	if s.cfg.PeerSidecar == "" {
		return 0, errorx.RemoteUnavailable("no peer sidecar configured")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return 0, errorx.NotFound("cannot open %s: %v", localPath, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		data, err := mw.CreateFormField("data")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"method": "filesystem.put",
			"params": []any{remotePath},
		})
		if _, err := data.Write(payload); err != nil {
			pw.CloseWithError(err)
			return
		}
		part, err := mw.CreateFormFile("file", "payload")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.PeerSidecar+"/_upload/", pr)
	if err != nil {
		return 0, errorx.Internal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Token "+token)

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, errorx.RemoteUnavailable("peer sidecar unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, errorx.RemoteUnavailable("peer sidecar refused upload: %s: %s", resp.Status, body)
	}

	var out struct {
		JobID int64 `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, errorx.Internal(err)
	}
	return out.JobID, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
