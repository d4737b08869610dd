package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astromechza/wikisync/pkg/awareness"
	"github.com/astromechza/wikisync/pkg/document"
	"github.com/astromechza/wikisync/pkg/protocol"
)

// brokerPrefix marks updates that arrived from another relay instance so they are not published again.
const brokerPrefix = "broker:"

type room struct {
	name   string
	store  *document.Store
	broker Broker
	logger *slog.Logger
	now    func() time.Time

	dirty atomic.Bool

	mu       sync.Mutex
	conns    map[*conn]struct{}
	presence *awareness.Registry
	owners   map[string]*conn

	cancels []func()
}

func newRoom(ctx context.Context, name string, store *document.Store, broker Broker, logger *slog.Logger) *room {
	r := &room{
		name:     name,
		store:    store,
		broker:   broker,
		logger:   logger.With("room", name),
		now:      time.Now,
		conns:    make(map[*conn]struct{}),
		presence: awareness.NewRegistry(),
		owners:   make(map[string]*conn),
	}
	r.cancels = append(r.cancels, store.OnUpdate(r.onUpdate))
	if broker != nil {
		cancel, err := broker.Subscribe(ctx, name, r.onBroker)
		if err != nil {
			r.logger.Error("failed to subscribe to broker, room is local only", "err", err)
		} else {
			r.cancels = append(r.cancels, cancel)
		}
	}
	return r
}

func (r *room) close() {
	for _, c := range r.cancels {
		c()
	}
	r.cancels = nil
}

func (r *room) add(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

func (r *room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns) == 0
}

// remove drops c and tells everyone else that the clients it carried have gone.
func (r *room) remove(c *conn) {
	r.mu.Lock()
	delete(r.conns, c)
	now := r.now()
	var removed []awareness.Record
	for id := range c.clientIDs {
		if r.owners[id] != c {
			continue
		}
		delete(r.owners, id)
		if rec, ok := r.presence.Remove(id, now); ok {
			removed = append(removed, rec)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		r.logger.Info("clients left", "conn", c.id, "clients", len(removed))
		r.shareAwareness(c, removed, true)
	}
}

// broadcast sends msg to every connection except skip.
func (r *room) broadcast(skip *conn, msg protocol.Message) {
	r.mu.Lock()
	targets := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		if c != skip {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
}

func (r *room) connByID(id string) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (r *room) onUpdate(u document.Update) {
	r.dirty.Store(true)
	msg := protocol.Update(u.Delta)
	msg.Origin = u.Origin.Replica
	r.broadcast(r.connByID(u.Origin.Replica), msg)
	if r.broker != nil && !strings.HasPrefix(u.Origin.Replica, brokerPrefix) {
		if err := r.broker.Publish(context.Background(), r.name, msg); err != nil {
			r.logger.Error("failed to publish update", "err", err)
		}
	}
}

func (r *room) onBroker(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindSync:
		if err := r.store.ApplyRemote(msg.Payload, document.Remote(brokerPrefix+msg.Origin)); err != nil {
			r.logger.Error("failed to apply broker update", "err", err)
		}
	case protocol.KindAwareness:
		records, err := awareness.DecodeRecords(msg.Payload)
		if err != nil {
			r.logger.Error("failed to decode broker awareness", "err", err)
			return
		}
		r.mu.Lock()
		changed := r.applyPresenceLocked(nil, records)
		r.mu.Unlock()
		if len(changed) > 0 {
			r.shareAwareness(nil, changed, false)
		}
	}
}

// handle processes one message from c.
func (r *room) handle(c *conn, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindSync:
		switch msg.Step {
		case protocol.StepSyncStep1:
			remote, err := protocol.DecodeStateVector(msg.Payload)
			if err != nil {
				c.logger.Error("bad state vector", "err", err)
				return
			}
			missing, err := r.store.Missing(remote)
			if err != nil {
				c.logger.Error("failed to compute missing changes", "err", err)
				return
			}
			c.enqueue(protocol.SyncStep2(missing))
			sv, err := r.store.StateVector()
			if err != nil {
				c.logger.Error("failed to compute state vector", "err", err)
				return
			}
			c.enqueue(protocol.SyncStep1(sv))
		case protocol.StepSyncStep2, protocol.StepUpdate:
			if err := r.store.ApplyRemote(msg.Payload, document.Remote(c.id)); err != nil {
				c.logger.Error("rejected update", "err", err)
			}
		}
	case protocol.KindAwareness:
		records, err := awareness.DecodeRecords(msg.Payload)
		if err != nil {
			c.logger.Error("bad awareness payload", "err", err)
			return
		}
		r.mu.Lock()
		changed := r.applyPresenceLocked(c, records)
		r.mu.Unlock()
		if len(changed) > 0 {
			r.shareAwareness(c, changed, true)
		}
	case protocol.KindQueryAwareness:
		r.mu.Lock()
		records := r.presence.Records()
		r.mu.Unlock()
		if payload, err := awareness.EncodeRecords(records); err == nil {
			c.enqueue(protocol.Awareness(payload))
		}
	case protocol.KindAuth:
		// clients do not send auth messages after the upgrade
	}
}

// applyPresenceLocked applies records from c, or from the broker when c is nil, and returns those that changed.
func (r *room) applyPresenceLocked(c *conn, records []awareness.Record) []awareness.Record {
	now := r.now()
	var changed []awareness.Record
	for _, rec := range records {
		if !r.presence.Apply(rec, now) {
			continue
		}
		changed = append(changed, rec)
		if c == nil {
			continue
		}
		if rec.State != nil {
			r.owners[rec.ClientID] = c
			c.clientIDs[rec.ClientID] = struct{}{}
		} else if r.owners[rec.ClientID] == c {
			delete(r.owners, rec.ClientID)
		}
	}
	return changed
}

func (r *room) shareAwareness(from *conn, records []awareness.Record, publish bool) {
	payload, err := awareness.EncodeRecords(records)
	if err != nil {
		r.logger.Error("failed to encode awareness", "err", err)
		return
	}
	msg := protocol.Awareness(payload)
	r.broadcast(from, msg)
	if publish && r.broker != nil {
		if err := r.broker.Publish(context.Background(), r.name, msg); err != nil {
			r.logger.Error("failed to publish awareness", "err", err)
		}
	}
}
