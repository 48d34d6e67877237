package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) // a Monday

var seq atomic.Int64

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeTransport struct {
	channel Channel
	err     error
	pending bool

	mu    sync.Mutex
	calls []*Message
}

func (f *fakeTransport) Channel() Channel { return f.channel }

func (f *fakeTransport) Deliver(_ context.Context, msg *Message) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if f.err != nil {
		return Receipt{}, f.err
	}
	return Receipt{ProviderID: fmt.Sprintf("%s-%d", f.channel, len(f.calls)), Pending: f.pending}, nil
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeEnqueuer) EnqueueDispatch(_ context.Context, id string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, id)
	return nil
}

func (f *fakeEnqueuer) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type staticUsers map[string]*UserSnapshot

func (s staticUsers) Snapshot(_ context.Context, userID string) (*UserSnapshot, error) {
	snap, ok := s[userID]
	if !ok {
		return nil, errors.New("user service unavailable")
	}
	return snap, nil
}

type staticContent map[string]*Content

func (s staticContent) Content(_ context.Context, ref SourceRef) (*Content, error) {
	return s[ref.Type+"/"+ref.ID], nil
}

func newTestEngine(store Store, clk *clock, users ContextProvider, transports ...Transport) *Engine {
	d := NewDispatcher(time.Second, nil, transports...)
	d.now = clk.Now
	e := NewEngine(store, NewEvaluator(time.Hour), d, users, nil, EngineConfig{LeaseTTL: time.Minute})
	e.now = clk.Now
	return e
}

// scheduled builds and stores a notification due at t.
func scheduled(store Store, req CreateRequest, at time.Time) *Notification {
	if req.UserID == "" {
		req.UserID = "user-1"
	}
	if req.Title == "" {
		req.Title = "Finish report"
	}
	req.ScheduledFor = &at
	n := New(fmt.Sprintf("n-%d", seq.Add(1)), &req, Defaults{MaxRetries: 3, RetryIntervalSeconds: 60}, at)
	if err := store.Create(context.Background(), n); err != nil {
		panic(err)
	}
	return n
}

// delivered returns an in-memory notification already in the delivered state.
func delivered(at time.Time) *Notification {
	n := New("n-delivered", &CreateRequest{UserID: "user-1", Title: "Stand-up", Channels: []Channel{ChannelInApp}}, Defaults{MaxRetries: 3, RetryIntervalSeconds: 60}, at)
	first := at
	n.FirstAttemptAt = &first
	n.SentAt = &first
	n.Status = StatusDelivered
	n.Channels[0].Delivered = true
	n.Channels[0].DeliveredAt = &first
	return n
}
