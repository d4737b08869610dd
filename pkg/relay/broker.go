package relay

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/wikisync/pkg/protocol"
)

// Broker fans room traffic out to other relay instances serving the same rooms.
type Broker interface {
	Publish(ctx context.Context, room string, msg protocol.Message) error
	// Subscribe delivers messages published for room by other instances.
	Subscribe(ctx context.Context, room string, fn func(protocol.Message)) (cancel func(), err error)
	Close() error
}

// envelope tags a message with the publishing instance so instances can drop their own echoes.
func envelope(instance string, msg protocol.Message) []byte {
	msg.Origin = instance + "/" + msg.Origin
	return msg.Marshal()
}

func openEnvelope(instance string, raw []byte) (protocol.Message, bool, error) {
	msg, err := protocol.Unmarshal(raw)
	if err != nil {
		return msg, false, err
	}
	from, origin, _ := strings.Cut(msg.Origin, "/")
	if from == instance {
		return msg, false, nil
	}
	msg.Origin = from + "/" + origin
	return msg, true, nil
}

// RedisBroker uses one pubsub channel per room.
type RedisBroker struct {
	rdb      *redis.Client
	instance string
	prefix   string
	logger   *slog.Logger
}

func NewRedisBroker(ctx context.Context, addr, instance string, logger *slog.Logger) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{rdb: rdb, instance: instance, prefix: "wikisync:room:", logger: logger}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, room string, msg protocol.Message) error {
	if err := b.rdb.Publish(ctx, b.prefix+room, envelope(b.instance, msg)).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, room string, fn func(protocol.Message)) (func(), error) {
	pubsub := b.rdb.Subscribe(ctx, b.prefix+room)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to redis: %w", err)
	}
	ch := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range ch {
			msg, ok, err := openEnvelope(b.instance, []byte(m.Payload))
			if err != nil {
				b.logger.Error("dropping bad broker message", "room", room, "err", err)
				continue
			}
			if ok {
				fn(msg)
			}
		}
	}()
	return func() {
		_ = pubsub.Close()
		<-done
	}, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

// LocalBroker connects hubs living in the same process. Each hub gets its own view via Instance.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[string][]localSub
	nextID uint64
}

type localSub struct {
	id uint64
	fn func([]byte)
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string][]localSub)}
}

// Instance returns a Broker that publishes as instance.
func (l *LocalBroker) Instance(instance string) Broker {
	return &localInstance{parent: l, instance: instance}
}

type localInstance struct {
	parent   *LocalBroker
	instance string
}

func (i *localInstance) Publish(_ context.Context, room string, msg protocol.Message) error {
	raw := envelope(i.instance, msg)
	i.parent.mu.Lock()
	subs := slices.Clone(i.parent.subs[room])
	i.parent.mu.Unlock()
	for _, s := range subs {
		s.fn(raw)
	}
	return nil
}

func (i *localInstance) Subscribe(_ context.Context, room string, fn func(protocol.Message)) (func(), error) {
	p := i.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.subs[room] = append(p.subs[room], localSub{id: id, fn: func(raw []byte) {
		if msg, ok, err := openEnvelope(i.instance, raw); err == nil && ok {
			fn(msg)
		}
	}})
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.subs[room] = slices.DeleteFunc(p.subs[room], func(s localSub) bool { return s.id == id })
		if len(p.subs[room]) == 0 {
			delete(p.subs, room)
		}
	}, nil
}

func (i *localInstance) Close() error {
	return nil
}
