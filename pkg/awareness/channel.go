// Package awareness carries ephemeral presence (who is here, where their cursor is) next to the document. None
// of it is persisted or replayed by the document handshake.
package awareness

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

const DefaultTimeout = 30 * time.Second

type Options struct {
	// Timeout expires remote records that were not refreshed. The local record is re-sent every Timeout/2.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

type listener struct {
	id uint64
	fn func([]Presence)
}

// Channel holds the local presence record and the merged view of every remote record.
type Channel struct {
	mu       sync.Mutex
	local    Record
	remote   *Registry
	send     func([]byte)
	opts     Options
	logger   *slog.Logger
	subs     []listener
	nextSub  uint64
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

func New(clientID string, opts Options) *Channel {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Channel{
		local:  Record{ClientID: clientID},
		remote: NewRegistry(),
		opts:   opts,
		logger: opts.Logger.With("client", clientID),
	}
}

func (c *Channel) ClientID() string {
	return c.local.ClientID
}

// Attach sets the function used to publish encoded records. Passing nil detaches.
func (c *Channel) Attach(send func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send = send
}

// OnChange registers fn to receive the full presence list whenever it changes.
func (c *Channel) OnChange(fn func([]Presence)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, listener{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.subs = slices.DeleteFunc(c.subs, func(l listener) bool { return l.id == id })
	}
}

// bump moves the local clock forward. Wall clock milliseconds keep it ahead of any removal record the relay
// issued on our behalf while we were away.
func (c *Channel) bump() {
	next := uint64(c.opts.Now().UnixMilli())
	if next <= c.local.Clock {
		next = c.local.Clock + 1
	}
	c.local.Clock = next
}

func (c *Channel) SetLocal(p Presence) {
	c.mu.Lock()
	p.ClientID = c.local.ClientID
	if p.Color == "" {
		p.Color = ColorFor(p.DisplayName)
	}
	c.bump()
	c.local.State = &p
	c.publishAndNotify()
}

// SetCursor updates the cursor of the local record. It is a no-op before SetLocal.
func (c *Channel) SetCursor(cursor *Cursor) {
	c.mu.Lock()
	if c.local.State == nil {
		c.mu.Unlock()
		return
	}
	p := *c.local.State
	if cursor != nil {
		cc := *cursor
		p.Cursor = &cc
	} else {
		p.Cursor = nil
	}
	c.bump()
	c.local.State = &p
	c.publishAndNotify()
}

// ClearLocal announces that this client left.
func (c *Channel) ClearLocal() {
	c.mu.Lock()
	if c.local.State == nil {
		c.mu.Unlock()
		return
	}
	c.bump()
	c.local.State = nil
	c.publishAndNotify()
}

// Resend publishes the current local record again, used after a reconnect.
func (c *Channel) Resend() {
	c.mu.Lock()
	if c.local.State == nil {
		c.mu.Unlock()
		return
	}
	c.bump()
	send, payload := c.outbound([]Record{c.local})
	c.mu.Unlock()
	if send != nil && payload != nil {
		send(payload)
	}
}

// publishAndNotify must be called with mu held and releases it.
func (c *Channel) publishAndNotify() {
	send, payload := c.outbound([]Record{c.local})
	states, subs := c.statesLocked(), slices.Clone(c.subs)
	c.mu.Unlock()
	if send != nil && payload != nil {
		send(payload)
	}
	for _, l := range subs {
		l.fn(states)
	}
}

func (c *Channel) outbound(records []Record) (func([]byte), []byte) {
	if c.send == nil {
		return nil, nil
	}
	payload, err := EncodeRecords(records)
	if err != nil {
		c.logger.Error("failed to encode local presence", "err", err)
		return nil, nil
	}
	return c.send, payload
}

// Apply merges an inbound awareness payload. Records about this client are ignored.
func (c *Channel) Apply(payload []byte) error {
	records, err := DecodeRecords(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	now := c.opts.Now()
	changed := false
	for _, rec := range records {
		if rec.ClientID == c.local.ClientID {
			continue
		}
		if c.remote.Apply(rec, now) {
			changed = true
		}
	}
	c.notifyIf(changed)
	return nil
}

// ClearRemote drops every remote record. Called when our own connection goes away, since nobody will tell
// us about peers that leave while we are offline.
func (c *Channel) ClearRemote() {
	c.mu.Lock()
	c.notifyIf(c.remote.Clear())
}

// Expire drops remote records that have not been refreshed within the timeout.
func (c *Channel) Expire() {
	c.mu.Lock()
	expired := c.remote.Expire(c.opts.Now(), c.opts.Timeout)
	for _, rec := range expired {
		c.logger.Info("presence expired", "remote", rec.ClientID)
	}
	c.notifyIf(len(expired) > 0)
}

// notifyIf must be called with mu held and releases it.
func (c *Channel) notifyIf(changed bool) {
	if !changed {
		c.mu.Unlock()
		return
	}
	states, subs := c.statesLocked(), slices.Clone(c.subs)
	c.mu.Unlock()
	for _, l := range subs {
		l.fn(states)
	}
}

// States returns the local presence (if set) followed by remote presence, sorted by client id.
func (c *Channel) States() []Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statesLocked()
}

func (c *Channel) statesLocked() []Presence {
	out := c.remote.States()
	if c.local.State != nil {
		out = append(out, *c.local.State)
		slices.SortFunc(out, func(a, b Presence) int { return strings.Compare(a.ClientID, b.ClientID) })
	}
	return out
}

// Start runs the renew/expire loop until Stop is called.
func (c *Channel) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopLoop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopLoop = cancel
	c.loopDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		t := time.NewTicker(c.opts.Timeout / 2)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.Resend()
				c.Expire()
			case <-ctx.Done():
				return
			}
		}
	}(c.loopDone)
}

func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.stopLoop, c.loopDone
	c.stopLoop, c.loopDone = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
