// Copyright 2025 Blink Labs Software
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

package storage_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blinklabs-io/gochainhead/protocol/chainhead"
	"github.com/blinklabs-io/gochainhead/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClient struct {
	mutex     sync.Mutex
	best      string
	blocks    map[string]map[string]string
	queries   []string
	listeners map[int]func(string)
	nextId    int
	err       error
	afterRead func()
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		blocks:    make(map[string]map[string]string),
		listeners: make(map[int]func(string)),
	}
}

func (f *fakeClient) Storage(
	ctx context.Context,
	items []chainhead.StorageQueryItem,
	childTrie string,
	at string,
) ([]chainhead.StorageResultItem, error) {
	ret, err := f.storage(items, at)
	f.mutex.Lock()
	hook := f.afterRead
	f.afterRead = nil
	f.mutex.Unlock()
	if hook != nil {
		hook()
	}
	return ret, err
}

func (f *fakeClient) storage(
	items []chainhead.StorageQueryItem,
	at string,
) ([]chainhead.StorageResultItem, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if at == "" {
		at = f.best
	}
	f.queries = append(f.queries, at)
	if f.err != nil {
		return nil, f.err
	}
	values, ok := f.blocks[at]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chainhead.ErrBlockNotPinned, at)
	}
	var ret []chainhead.StorageResultItem
	for _, item := range items {
		if value, ok := values[item.Key]; ok {
			ret = append(
				ret,
				chainhead.StorageResultItem{Key: item.Key, Value: value},
			)
		}
	}
	return ret, nil
}

func (f *fakeClient) BestHash() string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.best
}

func (f *fakeClient) OnBestBlock(fn func(string)) func() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	id := f.nextId
	f.nextId++
	f.listeners[id] = fn
	return func() {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeClient) setBest(hash string, values map[string]string) {
	f.mutex.Lock()
	f.best = hash
	f.blocks[hash] = values
	listeners := make([]func(string), 0, len(f.listeners))
	for _, fn := range f.listeners {
		listeners = append(listeners, fn)
	}
	f.mutex.Unlock()
	for _, fn := range listeners {
		fn(hash)
	}
}

func (f *fakeClient) listenerCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.listeners)
}

func (f *fakeClient) queryCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.queries)
}

type changes struct {
	mutex  sync.Mutex
	values []storage.Values
	errs   []error
}

func (c *changes) record(values storage.Values, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	c.values = append(c.values, values)
}

func (c *changes) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.values)
}

func (c *changes) last() storage.Values {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.values[len(c.values)-1]
}

func (c *changes) errCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.errs)
}

func TestQuery(t *testing.T) {
	client := newFakeClient()
	client.setBest("0x01", map[string]string{"0xaa": "0x01", "0xbb": "0x02"})
	s := storage.New(client, nil)
	values, err := s.Query(context.Background(), []string{"0xaa", "0xcc"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0xaa": "0x01"}, values)
	values, err = s.Query(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, values)
	assert.Equal(t, 1, client.queryCount())
}

func TestQueryAtNotPinned(t *testing.T) {
	client := newFakeClient()
	s := storage.New(client, nil)
	_, err := s.QueryAt(context.Background(), []string{"0xaa"}, "0x99")
	assert.True(t, errors.Is(err, chainhead.ErrBlockNotPinned))
}

func TestEntry(t *testing.T) {
	entry := storage.Entry{Pallet: "Timestamp", Item: "Now"}
	key, err := entry.Key()
	require.NoError(t, err)
	registry, err := storage.NewRegistry(entry)
	require.NoError(t, err)
	client := newFakeClient()
	client.setBest("0x01", map[string]string{key: "0x2a"})
	cfg := storage.NewConfig(storage.WithRegistry(registry))
	s := storage.New(client, &cfg)
	value, ok, err := s.Entry(context.Background(), "Timestamp", "Now")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0x2a", value)
	_, _, err = s.Entry(context.Background(), "System", "Number")
	assert.True(t, errors.Is(err, storage.ErrEntryNotFound))
	_, _, err = storage.New(client, nil).Entry(context.Background(), "Timestamp", "Now")
	assert.True(t, errors.Is(err, storage.ErrEntryNotFound))
}

func TestSubscribeChanges(t *testing.T) {
	defer goleak.VerifyNone(t)
	client := newFakeClient()
	client.setBest("0x01", map[string]string{"0xaa": "0x01"})
	cfg := storage.NewConfig(
		storage.WithMaxReadRate(0),
		storage.WithDecoder(func(key string, value string) (any, error) {
			return storage.DecodeHex(value)
		}),
	)
	s := storage.New(client, &cfg)
	c := &changes{}
	unsubscribe, err := s.Subscribe(context.Background(), []string{"0xaa"}, c.record)
	require.NoError(t, err)
	require.Equal(t, 1, c.count())
	assert.Equal(t, storage.Values{"0xaa": []byte{1}}, c.last())
	// Same values do not produce a change
	client.setBest("0x02", map[string]string{"0xaa": "0x01"})
	require.Eventually(t, func() bool { return client.queryCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	client.setBest("0x03", map[string]string{"0xaa": "0x02"})
	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, storage.Values{"0xaa": []byte{2}}, c.last())
	// Removed key
	client.setBest("0x04", map[string]string{})
	require.Eventually(t, func() bool { return c.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, c.last())
	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, client.listenerCount())
	assert.Equal(t, 0, c.errCount())
}

func TestSubscribeBestBlockDuringInitialRead(t *testing.T) {
	defer goleak.VerifyNone(t)
	client := newFakeClient()
	client.setBest("0x01", map[string]string{"0xaa": "0xaa"})
	client.afterRead = func() {
		client.setBest("0x02", map[string]string{"0xaa": "0xbb"})
	}
	cfg := storage.NewConfig(storage.WithMaxReadRate(0))
	s := storage.New(client, &cfg)
	c := &changes{}
	unsubscribe, err := s.Subscribe(context.Background(), []string{"0xaa"}, c.record)
	require.NoError(t, err)
	defer unsubscribe()
	require.Eventually(t, func() bool {
		return c.count() == 2 && c.last()["0xaa"] == "0xbb"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.errCount())
}

func TestUnsubscribeWaitsForCallback(t *testing.T) {
	defer goleak.VerifyNone(t)
	client := newFakeClient()
	client.setBest("0x01", map[string]string{"0xaa": "0x01"})
	cfg := storage.NewConfig(storage.WithMaxReadRate(0))
	s := storage.New(client, &cfg)
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	unsubscribe, err := s.Subscribe(
		context.Background(),
		[]string{"0xaa"},
		func(storage.Values, error) {
			if calls.Add(1) == 2 {
				close(entered)
				<-release
			}
		},
	)
	require.NoError(t, err)
	client.setBest("0x02", map[string]string{"0xaa": "0x02"})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("change was not reported")
	}
	returned := make(chan struct{})
	go func() {
		unsubscribe()
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("unsubscribe returned while a change was being reported")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe did not return")
	}
	client.setBest("0x03", map[string]string{"0xaa": "0x03"})
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, client.listenerCount())
}

func TestSubscribeReadError(t *testing.T) {
	defer goleak.VerifyNone(t)
	client := newFakeClient()
	client.setBest("0x01", map[string]string{"0xaa": "0x01"})
	cfg := storage.NewConfig(storage.WithMaxReadRate(0))
	s := storage.New(client, &cfg)
	c := &changes{}
	unsubscribe, err := s.Subscribe(context.Background(), []string{"0xaa"}, c.record)
	require.NoError(t, err)
	defer unsubscribe()
	client.mutex.Lock()
	client.err = errors.New("boom")
	client.mutex.Unlock()
	client.setBest("0x02", map[string]string{"0xaa": "0x02"})
	require.Eventually(t, func() bool { return c.errCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestSubscribeInitialError(t *testing.T) {
	client := newFakeClient()
	s := storage.New(client, nil)
	_, err := s.Subscribe(context.Background(), []string{"0xaa"}, func(storage.Values, error) {})
	assert.True(t, errors.Is(err, chainhead.ErrBlockNotPinned))
	assert.Equal(t, 0, client.listenerCount())
}

func TestSubscribeDecodeError(t *testing.T) {
	client := newFakeClient()
	client.setBest("0x01", map[string]string{"0xaa": "0xzz"})
	cfg := storage.NewConfig(
		storage.WithDecoder(func(key string, value string) (any, error) {
			return storage.DecodeHex(value)
		}),
	)
	s := storage.New(client, &cfg)
	_, err := s.Subscribe(context.Background(), []string{"0xaa"}, func(storage.Values, error) {})
	assert.True(t, errors.Is(err, storage.ErrInvalidHexData))
}

func TestSubscribeRateLimited(t *testing.T) {
	defer goleak.VerifyNone(t)
	client := newFakeClient()
	client.setBest("0x00", map[string]string{"0xaa": "0x00"})
	cfg := storage.NewConfig(storage.WithMaxReadRate(5))
	s := storage.New(client, &cfg)
	c := &changes{}
	unsubscribe, err := s.Subscribe(context.Background(), []string{"0xaa"}, c.record)
	require.NoError(t, err)
	defer unsubscribe()
	for i := 1; i <= 20; i++ {
		hash := fmt.Sprintf("0x%02x", i)
		client.setBest(hash, map[string]string{"0xaa": hash})
	}
	// Bursts coalesce into a read of the newest best block
	require.Eventually(t, func() bool {
		return c.count() > 1 && c.last()["0xaa"] == "0x14"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, client.queryCount(), 20)
}
