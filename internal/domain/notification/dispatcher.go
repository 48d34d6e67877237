package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultChannelTimeout bounds a single transport call.
const DefaultChannelTimeout = 10 * time.Second

// ErrRateLimited is recorded when the per-user channel limiter refuses a send.
var ErrRateLimited = errors.New("rate limited")

// ChannelResult is the outcome of one transport call.
type ChannelResult struct {
	Channel Channel
	Receipt Receipt
	Err     error
	At      time.Time
}

// Dispatcher fans a notification out to its enabled channels.
// Channels are independent: one failing never blocks the others.
type Dispatcher struct {
	transports map[Channel]Transport
	limiter    ChannelRateLimiter
	timeout    time.Duration
	now        func() time.Time
}

// NewDispatcher creates a dispatcher over the given transports.
// limiter may be nil.
func NewDispatcher(timeout time.Duration, limiter ChannelRateLimiter, transports ...Transport) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultChannelTimeout
	}
	tm := make(map[Channel]Transport, len(transports))
	for _, t := range transports {
		tm[t.Channel()] = t
	}
	return &Dispatcher{
		transports: tm,
		limiter:    limiter,
		timeout:    timeout,
		now:        time.Now,
	}
}

// Timeout returns the per-channel timeout.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Dispatch calls the transport of every channel in attempts exactly once,
// concurrently, and waits for all of them.
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification, attempts []ChannelAttempt, contact Contact) []ChannelResult {
	msg := &Message{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Kind:           n.Kind,
		Category:       n.Category,
		Priority:       n.Priority,
		Title:          n.Title,
		Body:           n.Body,
		ActionURL:      n.ActionURL,
		DigestOf:       n.DigestOf,
		Contact:        contact,
	}

	results := make([]ChannelResult, len(attempts))
	var wg sync.WaitGroup
	for i, a := range attempts {
		wg.Add(1)
		go func(i int, channel Channel) {
			defer wg.Done()
			results[i] = d.deliver(ctx, channel, msg)
		}(i, a.Channel)
	}
	wg.Wait()
	return results
}

// deliver performs one bounded transport call. Transport errors, timeouts
// and panics all become a failed result.
func (d *Dispatcher) deliver(ctx context.Context, channel Channel, msg *Message) (res ChannelResult) {
	start := d.now()
	res.Channel = channel
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("transport panic: %v", r)
		}
		res.At = d.now()
		if res.Err != nil {
			slog.Warn("channel delivery failed",
				"notification_id", msg.NotificationID,
				"user_id", msg.UserID,
				"channel", channel,
				"error", res.Err,
				"duration", time.Since(start),
			)
		}
	}()

	transport, ok := d.transports[channel]
	if !ok {
		res.Err = fmt.Errorf("no transport configured for channel %s", channel)
		return res
	}

	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, msg.UserID, channel)
		if err != nil {
			// Fail open when the limiter backend is down.
			slog.Error("channel rate limit check failed, proceeding without limit",
				"user_id", msg.UserID, "channel", channel, "error", err)
		} else if !allowed {
			res.Err = ErrRateLimited
			return res
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		receipt Receipt
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("transport panic: %v", r)}
			}
		}()
		receipt, err := transport.Deliver(callCtx, msg)
		done <- outcome{receipt: receipt, err: err}
	}()

	select {
	case o := <-done:
		res.Receipt, res.Err = o.receipt, o.err
		if res.Err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res.Err = fmt.Errorf("timed out after %s: %w", d.timeout, res.Err)
		}
	case <-callCtx.Done():
		res.Err = fmt.Errorf("channel call abandoned after %s: %w", d.timeout, callCtx.Err())
	}
	return res
}
