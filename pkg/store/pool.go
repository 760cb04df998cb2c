// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// restartDrainTimeout bounds how long a restart waits for in-flight
// leases with no progress before force-zeroing the counter.
const restartDrainTimeout = 10 * time.Second

// handleKind distinguishes the interactive connection from the
// background one (tree persistence, feedback writes).
type handleKind int

const (
	handleForeground handleKind = iota
	handleBackground
)

// handle is one pooled connection with its lease accounting.
type handle struct {
	client      Client
	inUse       int
	lastUsed    time.Time
	restartDone chan struct{} // non-nil while a restart is in progress
}

// Pool shares a foreground and a background store connection across
// the concurrent users of a tree. Leases are ref-counted; idle
// connections are torn down and rebuilt by RestartIfIdle.
type Pool struct {
	factory func(ctx context.Context) (Client, error)
	timeout time.Duration

	mu      sync.Mutex
	handles map[handleKind]*handle
	flight  singleflight.Group
	closed  bool
}

// NewPool creates a pool around a client factory. timeout is the idle
// duration after which RestartIfIdle recycles a connection.
func NewPool(factory func(ctx context.Context) (Client, error), timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Pool{
		factory: factory,
		timeout: timeout,
		handles: map[handleKind]*handle{
			handleForeground: {},
			handleBackground: {},
		},
	}
}

// Lease is a scoped borrow of a pooled client. Release must be called
// exactly once when done; defer it at the borrow site.
type Lease struct {
	client  Client
	release func()
	once    sync.Once
}

// Client returns the borrowed store client.
func (l *Lease) Client() Client { return l.client }

// Release returns the lease to the pool.
func (l *Lease) Release() { l.once.Do(l.release) }

// Acquire borrows the interactive connection, connecting on first use.
// While a restart is in progress the call blocks until the restart
// signal fires or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	return p.acquire(ctx, handleForeground)
}

// AcquireBackground borrows the background connection used for
// persistence and feedback writes.
func (p *Pool) AcquireBackground(ctx context.Context) (*Lease, error) {
	return p.acquire(ctx, handleBackground)
}

func (p *Pool) acquire(ctx context.Context, kind handleKind) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("store pool is closed")
		}
		h := p.handles[kind]

		if h.restartDone != nil {
			done := h.restartDone
			p.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if h.client == nil {
			p.mu.Unlock()
			client, err, _ := p.flight.Do(fmt.Sprintf("connect-%d", kind), func() (any, error) {
				return p.factory(ctx)
			})
			if err != nil {
				return nil, err
			}
			p.mu.Lock()
			if h.client == nil {
				h.client = client.(Client)
			}
		}

		h.inUse++
		h.lastUsed = time.Now()
		client := h.client
		p.mu.Unlock()

		return &Lease{
			client: client,
			release: func() {
				p.mu.Lock()
				if h.inUse > 0 {
					h.inUse--
				}
				h.lastUsed = time.Now()
				p.mu.Unlock()
			},
		}, nil
	}
}

// RestartIfIdle recycles any connection whose last use is older than
// the pool timeout. The restart drains in-flight leases with a bounded
// wait: after restartDrainTimeout with no progress the counter is
// force-zeroed, a warning is logged, and a fresh connection is created
// anyway.
func (p *Pool) RestartIfIdle(ctx context.Context) error {
	for _, kind := range []handleKind{handleForeground, handleBackground} {
		p.mu.Lock()
		h := p.handles[kind]
		idle := h.client != nil && h.restartDone == nil && time.Since(h.lastUsed) > p.timeout
		p.mu.Unlock()
		if !idle {
			continue
		}
		if err := p.restart(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) restart(ctx context.Context, kind handleKind) error {
	p.mu.Lock()
	h := p.handles[kind]
	if h.restartDone != nil {
		// Another restart is already in flight; let it finish.
		done := h.restartDone
		p.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	h.restartDone = done
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		h.restartDone = nil
		p.mu.Unlock()
		close(done)
	}()

	// Bounded drain: wait until in-use reaches zero, or the count stops
	// making progress for restartDrainTimeout.
	lastCount := -1
	lastProgress := time.Now()
	for {
		p.mu.Lock()
		count := h.inUse
		p.mu.Unlock()

		if count == 0 {
			break
		}
		if count != lastCount {
			lastCount = count
			lastProgress = time.Now()
		}
		if time.Since(lastProgress) > restartDrainTimeout {
			slog.Warn("store client restart timed out waiting for leases; forcing",
				"in_use", count)
			p.mu.Lock()
			h.inUse = 0
			p.mu.Unlock()
			break
		}

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	old := h.client
	h.client = nil
	p.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("failed to close idle store client", "error", err)
		}
	}

	client, err := p.factory(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconnect store client: %w", err)
	}

	p.mu.Lock()
	h.client = client
	h.lastUsed = time.Now()
	p.mu.Unlock()
	return nil
}

// Started reports whether the interactive connection exists.
func (p *Pool) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[handleForeground].client != nil
}

// Close drains nothing and terminates both connections. Outstanding
// leases keep their client but the pool hands out no more.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var firstErr error
	for _, h := range p.handles {
		if h.client != nil {
			if err := h.client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			h.client = nil
		}
	}
	return firstErr
}
