package keyword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/core/ports"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/resilience"
)

type Options struct {
	Timeout     time.Duration
	DialTimeout time.Duration
	Executor    *resilience.Executor
	Logger      *slog.Logger
}

type sessionKey struct {
	transport domain.KeywordTransport
	url       string
}

func newSessionKey(transport domain.KeywordTransport, serverURL string) sessionKey {
	return sessionKey{transport: transport, url: strings.TrimRight(strings.TrimSpace(serverURL), "/")}
}

func (k sessionKey) String() string {
	return string(k.transport) + " " + k.url
}

// Factory builds keyword searchers per request and keeps one MCP session per
// (transport, url) pair alive across requests.
type Factory struct {
	httpClient  *http.Client
	executor    *resilience.Executor
	logger      *slog.Logger
	dialTimeout time.Duration
	dial        dialFunc

	// dials collapses concurrent dials to the same key; mu is never held across one.
	dials    singleflight.Group
	mu       sync.Mutex
	sessions map[sessionKey]toolCaller
	closed   bool
}

var _ ports.KeywordSearcherFactory = (*Factory)(nil)

func NewFactory(options Options) *Factory {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialTimeout := options.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		httpClient:  &http.Client{Timeout: timeout},
		executor:    options.Executor,
		logger:      logger,
		dialTimeout: dialTimeout,
		dial:        dialMCP,
		sessions:    make(map[sessionKey]toolCaller),
	}
}

// Searcher resolves the dialect for tool. MCP tools also get a session, dialed
// under ctx when none is cached.
func (f *Factory) Searcher(ctx context.Context, tool domain.KeywordTool) (ports.KeywordSearcher, error) {
	d, err := dialectFor(tool.Type)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidRagParameters, "resolve keyword searcher", err)
	}
	searcher := &Searcher{
		tool:       tool,
		dialect:    d,
		httpClient: f.httpClient,
		executor:   f.executor,
	}
	if !tool.Transport.IsMCP() {
		return searcher, nil
	}

	key := newSessionKey(tool.Transport, tool.ServerURL)
	caller, err := f.session(ctx, key)
	if err != nil {
		return nil, domain.WrapError(domain.ErrKeywordSearchFailed, "connect keyword tool", err)
	}
	searcher.caller = caller
	searcher.dropSession = func(cause error) { f.evict(key, caller, cause) }
	return searcher, nil
}

// session returns the cached session or dials a new one. Failed dials are not
// cached so the next request tries again. Callers sharing an in-flight dial
// stop waiting when their own ctx ends.
func (f *Factory) session(ctx context.Context, key sessionKey) (toolCaller, error) {
	if caller, ok := f.cached(key); ok {
		return caller, nil
	}

	ch := f.dials.DoChan(key.String(), func() (any, error) {
		if caller, ok := f.cached(key); ok {
			return caller, nil
		}
		dialCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
		defer cancel()
		caller, err := f.dial(dialCtx, key.transport, key.url)
		if err != nil {
			return nil, err
		}
		if err := f.store(key, caller); err != nil {
			return nil, err
		}
		f.logger.Info("keyword_mcp_session_opened", "transport", string(key.transport), "url", key.url)
		return caller, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("dial %s: %w", key, res.Err)
		}
		return res.Val.(toolCaller), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("dial %s: %w", key, ctx.Err())
	}
}

func (f *Factory) cached(key sessionKey) (toolCaller, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	caller, ok := f.sessions[key]
	return caller, ok
}

var errFactoryClosed = errors.New("keyword factory closed")

func (f *Factory) store(key sessionKey, caller toolCaller) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		_ = caller.Close()
		return errFactoryClosed
	}
	f.sessions[key] = caller
	return nil
}

// evict closes caller and forgets it, unless a newer session already replaced it.
func (f *Factory) evict(key sessionKey, caller toolCaller, cause error) {
	f.mu.Lock()
	current, ok := f.sessions[key]
	if !ok || current != caller {
		f.mu.Unlock()
		return
	}
	delete(f.sessions, key)
	f.mu.Unlock()

	if err := caller.Close(); err != nil {
		f.logger.Debug("keyword_mcp_session_close_failed", "url", key.url, "error", err)
	}
	f.logger.Warn("keyword_mcp_session_dropped",
		"transport", string(key.transport),
		"url", key.url,
		"error", cause,
	)
}

// Close shuts every cached MCP session.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	var errs []error
	for key, caller := range f.sessions {
		if err := caller.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(f.sessions, key)
	}
	return errors.Join(errs...)
}
