package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/escrowd/adapters/signature"
	"github.com/layer-3/escrowd/core"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

// newTestClock starts at the wall clock so timers in the memory stores stay
// in the future while the clock is advanced by hand
func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stellarKey struct {
	address string
	priv    ed25519.PrivateKey
}

func newStellarKey(t *testing.T) stellarKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	address, err := signature.EncodeAccountID(pub)
	require.NoError(t, err)
	return stellarKey{address: address, priv: priv}
}

func (k stellarKey) sign(message string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.priv, []byte(message)))
}

type publishedEvent struct {
	topic string
	event string
}

// recordingPublisher is a ports.EventPublisher that remembers what it saw
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) record(topic, event string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{topic: topic, event: event})
	return p.err
}

func (p *recordingPublisher) PublishEscrow(ctx context.Context, event string, escrow *core.Escrow) error {
	return p.record("escrow", event)
}

func (p *recordingPublisher) PublishAuthenticated(ctx context.Context, identity *core.Identity, receiptID string) error {
	return p.record("auth", "authenticated")
}

func (p *recordingPublisher) PublishPayment(ctx context.Context, event string, payload any) error {
	return p.record("payment", event)
}

func (p *recordingPublisher) Events(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.topic == topic {
			out = append(out, e.event)
		}
	}
	return out
}
