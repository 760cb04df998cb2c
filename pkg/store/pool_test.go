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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingClient tracks closes; everything else delegates to an
// embedded local client.
type countingClient struct {
	*LocalClient
	closed atomic.Bool
}

func (c *countingClient) Close() error {
	c.closed.Store(true)
	return nil
}

func countingFactory(connects *atomic.Int32, clients *[]*countingClient) func(ctx context.Context) (Client, error) {
	return func(ctx context.Context) (Client, error) {
		connects.Add(1)
		c := &countingClient{LocalClient: NewLocalClient()}
		*clients = append(*clients, c)
		return c, nil
	}
}

func TestPoolConnectsLazilyAndReuses(t *testing.T) {
	var connects atomic.Int32
	var clients []*countingClient
	p := NewPool(countingFactory(&connects, &clients), time.Minute)

	assert.False(t, p.Started())

	lease1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.True(t, p.Started())
	assert.Equal(t, int32(1), connects.Load(), "foreground connection is shared")
	assert.Same(t, lease1.Client(), lease2.Client())

	lease1.Release()
	lease1.Release() // double release is a no-op
	lease2.Release()
}

func TestPoolBackgroundIsSeparate(t *testing.T) {
	var connects atomic.Int32
	var clients []*countingClient
	p := NewPool(countingFactory(&connects, &clients), time.Minute)

	fg, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer fg.Release()
	bg, err := p.AcquireBackground(context.Background())
	require.NoError(t, err)
	defer bg.Release()

	assert.Equal(t, int32(2), connects.Load())
	assert.NotSame(t, fg.Client(), bg.Client())
}

func TestPoolRestartIfIdle(t *testing.T) {
	var connects atomic.Int32
	var clients []*countingClient
	p := NewPool(countingFactory(&connects, &clients), time.Millisecond)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	require.Equal(t, int32(1), connects.Load())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.RestartIfIdle(context.Background()))

	assert.Equal(t, int32(2), connects.Load(), "idle connection was recycled")
	assert.True(t, clients[0].closed.Load(), "old connection was closed")

	fresh, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer fresh.Release()
	assert.Same(t, Client(clients[1]), fresh.Client())
}

func TestPoolRestartSkipsBusyConnection(t *testing.T) {
	var connects atomic.Int32
	var clients []*countingClient
	p := NewPool(countingFactory(&connects, &clients), time.Minute)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	require.NoError(t, p.RestartIfIdle(context.Background()))
	assert.Equal(t, int32(1), connects.Load(), "recently used connection stays")
	assert.False(t, clients[0].closed.Load())
}

func TestPoolClose(t *testing.T) {
	var connects atomic.Int32
	var clients []*countingClient
	p := NewPool(countingFactory(&connects, &clients), time.Minute)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()

	require.NoError(t, p.Close())
	assert.True(t, clients[0].closed.Load())

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
}
