package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/durable-streams/durable-streams/packages/caddy-plugin/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState tracks a proxied stream through the state machine in spec
// §4.5: Initialized -> Streaming -> (Completed | Aborted | Errored).
type SessionState string

const (
	StateInitialized SessionState = "initialized"
	StateStreaming   SessionState = "streaming"
	StateCompleted   SessionState = "completed"
	StateAborted     SessionState = "aborted"
	StateErrored     SessionState = "errored"
)

// Terminal reports whether the state accepts no further connect/abort
// actions - the backing stream has been closed.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateErrored
}

// hopByHopHeaders are stripped from both the forwarded request and the
// upstream response (RFC 7230 §6.1) - meaningless, or actively wrong, to
// relay across a proxy hop.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Session is one proxy profile attachment: a durable stream whose body is
// the multiplexed record of one or more upstream HTTP responses.
type Session struct {
	mu     sync.Mutex
	path   string
	state  SessionState
	cancel context.CancelFunc
}

// Manager owns the proxy profile: validating upstream targets against the
// allowlist, forwarding requests, and recording S/D/C/A/E frames into the
// backing stream store.
type Manager struct {
	store     store.Store
	allowlist *Allowlist
	secret    []byte
	client    *http.Client
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a proxy Manager. allowedUpstreams are host/path
// glob patterns (see Allowlist); secret signs location URLs handed back
// to clients.
func NewManager(st store.Store, allowedUpstreams []string, secret []byte, logger *zap.Logger) (*Manager, error) {
	if len(allowedUpstreams) == 0 {
		return nil, fmt.Errorf("proxy profile requires at least one allowed upstream pattern")
	}
	return &Manager{
		store:     st,
		allowlist: NewAllowlist(allowedUpstreams),
		secret:    secret,
		client: &http.Client{
			// Streaming responses may run indefinitely; the caller's
			// request context bounds the actual lifetime.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse // redirects are rejected, not followed (spec §4.5)
			},
		},
		logger:   logger,
		sessions: make(map[string]*Session),
	}, nil
}

// SignedLocation returns a signed location URL for path's stream, valid
// for the given ttl.
func (m *Manager) SignedLocation(path string, ttl time.Duration) string {
	return SignLocation(m.secret, path, time.Now().Add(ttl))
}

// Connect handles PATCH ?action=connect: forwards the upstream request
// named by the Upstream-Location header and multiplexes the response into
// the stream as S, then D*, then C or E frames.
func (m *Manager) Connect(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	upstreamURL := r.Header.Get("Upstream-Location")
	if upstreamURL == "" {
		return fmt.Errorf("Upstream-Location header is required")
	}

	target, err := m.allowlist.Allowed(upstreamURL)
	if err != nil {
		return fmt.Errorf("upstream rejected: %w", err)
	}

	session := m.sessionFor(path)
	session.mu.Lock()
	if session.state.Terminal() {
		session.mu.Unlock()
		return store.ErrStreamClosed
	}
	sessCtx, cancel := context.WithCancel(ctx)
	session.state = StateStreaming
	session.cancel = cancel
	session.mu.Unlock()

	responseId := uuid.NewString()

	upstreamReq, err := http.NewRequestWithContext(sessCtx, r.Method, target.String(), r.Body)
	if err != nil {
		m.emitError(path, responseId, err)
		m.finish(path, StateErrored)
		return err
	}
	copyForwardableHeaders(r.Header, upstreamReq.Header)

	resp, err := m.client.Do(upstreamReq)
	if err != nil {
		if sessCtx.Err() != nil {
			m.emitAbort(path, responseId)
			m.finish(path, StateAborted)
			return sessCtx.Err()
		}
		m.emitError(path, responseId, err)
		m.finish(path, StateErrored)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		redirectErr := fmt.Errorf("upstream returned redirect status %d", resp.StatusCode)
		m.emitError(path, responseId, redirectErr)
		m.finish(path, StateErrored)
		w.Header().Set("Upstream-Status", fmt.Sprintf("%d", resp.StatusCode))
		return redirectErr
	}

	if err := m.emitStart(path, responseId, resp); err != nil {
		m.finish(path, StateErrored)
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		m.emitErrorWithStatus(path, responseId, resp.StatusCode, string(body))
		m.finish(path, StateErrored)
		w.Header().Set("Upstream-Status", fmt.Sprintf("%d", resp.StatusCode))
		return fmt.Errorf("upstream returned non-2xx status %d", resp.StatusCode)
	}

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-sessCtx.Done():
			m.emitAbort(path, responseId)
			m.finish(path, StateAborted)
			return sessCtx.Err()
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := m.emitData(path, responseId, buf[:n]); err != nil {
				m.finish(path, StateErrored)
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if sessCtx.Err() != nil {
				m.emitAbort(path, responseId)
				m.finish(path, StateAborted)
				return sessCtx.Err()
			}
			m.emitError(path, responseId, readErr)
			m.finish(path, StateErrored)
			return readErr
		}
	}

	if err := m.emitComplete(path, responseId); err != nil {
		m.finish(path, StateErrored)
		return err
	}
	m.finish(path, StateCompleted)

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// Abort handles PATCH ?action=abort: cancels the in-flight upstream
// request, if any, and transitions the session to Aborted.
func (m *Manager) Abort(ctx context.Context, path string) error {
	m.mu.Lock()
	session, ok := m.sessions[path]
	m.mu.Unlock()
	if !ok {
		return store.ErrStreamNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.state.Terminal() {
		return nil
	}
	if session.cancel != nil {
		session.cancel()
	}
	session.state = StateAborted
	return nil
}

func (m *Manager) sessionFor(path string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[path]
	if !ok {
		s = &Session{path: path, state: StateInitialized}
		m.sessions[path] = s
	}
	return s
}

func (m *Manager) finish(path string, state SessionState) {
	if _, err := m.store.CloseStream(path); err != nil {
		m.logger.Warn("failed to close proxied stream", zap.String("path", path), zap.Error(err))
	}

	m.mu.Lock()
	if s, ok := m.sessions[path]; ok {
		s.mu.Lock()
		s.state = state
		s.mu.Unlock()
	}
	m.mu.Unlock()
}

func (m *Manager) appendFrame(path string, f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = m.store.Append(path, data, store.AppendOptions{ContentType: "application/json"})
	return err
}

func (m *Manager) emitStart(path, responseId string, resp *http.Response) error {
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		headers[k] = resp.Header.Get(k)
	}
	return m.appendFrame(path, Frame{Type: FrameStart, ResponseId: responseId, Status: resp.StatusCode, Headers: headers})
}

func (m *Manager) emitData(path, responseId string, chunk []byte) error {
	return m.appendFrame(path, Frame{Type: FrameData, ResponseId: responseId, Data: string(chunk)})
}

func (m *Manager) emitComplete(path, responseId string) error {
	return m.appendFrame(path, Frame{Type: FrameComplete, ResponseId: responseId})
}

func (m *Manager) emitAbort(path, responseId string) error {
	return m.appendFrame(path, Frame{Type: FrameAbort, ResponseId: responseId})
}

func (m *Manager) emitError(path, responseId string, err error) error {
	return m.appendFrame(path, Frame{Type: FrameError, ResponseId: responseId, Error: err.Error()})
}

func (m *Manager) emitErrorWithStatus(path, responseId string, status int, body string) error {
	return m.appendFrame(path, Frame{Type: FrameError, ResponseId: responseId, Status: status, Error: body})
}

func copyForwardableHeaders(src, dst http.Header) {
	for k, vv := range src {
		if isHopByHop(k) || strings.EqualFold(k, "Upstream-Location") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}
