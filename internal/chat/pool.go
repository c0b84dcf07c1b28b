// ABOUTME: Pool holding at most one upstream runtime client per session
// ABOUTME: A per-session mutex serializes creation and teardown without blocking other sessions

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-chat/internal/runtime"
)

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// ClientPool reuses one runtime client per session so the upstream keeps its
// conversation context between turns.
type ClientPool struct {
	factory runtime.Factory
	logger  *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sessionLock
	clients map[string]runtime.Client
}

// NewClientPool creates a pool backed by factory
func NewClientPool(factory runtime.Factory, logger *slog.Logger) *ClientPool {
	return &ClientPool{
		factory: factory,
		logger:  logger.With("component", "client_pool"),
		locks:   make(map[string]*sessionLock),
		clients: make(map[string]runtime.Client),
	}
}

// acquire locks the session's mutex, creating it on demand
func (p *ClientPool) acquire(sessionID string) *sessionLock {
	p.mu.Lock()
	l, ok := p.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		p.locks[sessionID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return l
}

// release unlocks the session's mutex and drops it once nobody holds or waits on it
// and no client remains.
func (p *ClientPool) release(sessionID string, l *sessionLock) {
	l.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		if _, hasClient := p.clients[sessionID]; !hasClient {
			delete(p.locks, sessionID)
		}
	}
}

// GetOrCreate returns the session's client, creating it with opts if none exists.
// Options are only applied on creation.
func (p *ClientPool) GetOrCreate(ctx context.Context, sessionID string, opts runtime.Options) (runtime.Client, error) {
	l := p.acquire(sessionID)
	defer p.release(sessionID, l)

	p.mu.Lock()
	client, ok := p.clients[sessionID]
	p.mu.Unlock()
	if ok {
		return client, nil
	}

	client, err := p.factory.NewClient(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("creating runtime client: %w", err)
	}

	p.mu.Lock()
	p.clients[sessionID] = client
	p.mu.Unlock()

	p.logger.Debug("created runtime client", "session_id", sessionID, "resume", opts.ResumeToken != "")
	return client, nil
}

// Close shuts down the session's client, if any. Shutdown errors are logged, not returned.
func (p *ClientPool) Close(ctx context.Context, sessionID string) {
	l := p.acquire(sessionID)
	defer p.release(sessionID, l)

	p.mu.Lock()
	client, ok := p.clients[sessionID]
	delete(p.clients, sessionID)
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := client.Close(ctx); err != nil {
		p.logger.Warn("error closing runtime client", "session_id", sessionID, "error", err)
		return
	}
	p.logger.Debug("closed runtime client", "session_id", sessionID)
}

// Has reports whether the session has a live client
func (p *ClientPool) Has(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clients[sessionID]
	return ok
}

// Len returns the number of live clients
func (p *ClientPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// CloseAll shuts down every client, used at process shutdown
func (p *ClientPool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Close(ctx, id)
		}()
	}
	wg.Wait()
}
