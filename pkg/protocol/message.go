// Package protocol defines the messages exchanged between replicas and the relay. Messages are protobuf wire
// encoded by hand with protowire so that no generated code is needed for a four field envelope.
package protocol

import (
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/astromechza/wikisync/pkg/document"
)

var ErrMalformedMessage = errors.New("malformed message")

type Kind uint8

const (
	KindSync Kind = iota
	KindAwareness
	KindAuth
	KindQueryAwareness
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAwareness:
		return "awareness"
	case KindAuth:
		return "auth"
	case KindQueryAwareness:
		return "query-awareness"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Step is only meaningful for sync messages.
type Step uint8

const (
	StepSyncStep1 Step = iota
	StepSyncStep2
	StepUpdate
)

func (s Step) String() string {
	switch s {
	case StepSyncStep1:
		return "sync-step-1"
	case StepSyncStep2:
		return "sync-step-2"
	case StepUpdate:
		return "update"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

const (
	fieldKind    protowire.Number = 1
	fieldStep    protowire.Number = 2
	fieldPayload protowire.Number = 3
	fieldOrigin  protowire.Number = 4

	fieldEntry protowire.Number = 1
	fieldActor protowire.Number = 1
	fieldSeq   protowire.Number = 2
)

type Message struct {
	Kind    Kind
	Step    Step
	Payload []byte
	// Origin names the connection or replica a relayed message came from.
	Origin string
}

func SyncStep1(sv document.StateVector) Message {
	return Message{Kind: KindSync, Step: StepSyncStep1, Payload: EncodeStateVector(sv)}
}

func SyncStep2(delta []byte) Message {
	return Message{Kind: KindSync, Step: StepSyncStep2, Payload: delta}
}

func Update(delta []byte) Message {
	return Message{Kind: KindSync, Step: StepUpdate, Payload: delta}
}

func Awareness(payload []byte) Message {
	return Message{Kind: KindAwareness, Payload: payload}
}

func QueryAwareness() Message {
	return Message{Kind: KindQueryAwareness}
}

func Auth(token string) Message {
	return Message{Kind: KindAuth, Payload: []byte(token)}
}

func (m Message) String() string {
	if m.Kind == KindSync {
		return fmt.Sprintf("%s/%s (%d bytes)", m.Kind, m.Step, len(m.Payload))
	}
	return fmt.Sprintf("%s (%d bytes)", m.Kind, len(m.Payload))
}

func (m Message) Marshal() []byte {
	b := make([]byte, 0, len(m.Payload)+len(m.Origin)+12)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	if m.Kind == KindSync {
		b = protowire.AppendTag(b, fieldStep, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Step))
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	if m.Origin != "" {
		b = protowire.AppendTag(b, fieldOrigin, protowire.BytesType)
		b = protowire.AppendString(b, m.Origin)
	}
	return b
}

func Unmarshal(b []byte) (Message, error) {
	var m Message
	seenKind := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: kind: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			if v > uint64(KindQueryAwareness) {
				return m, fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, v)
			}
			m.Kind, seenKind = Kind(v), true
			b = b[n:]
		case num == fieldStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: step: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			if v > uint64(StepUpdate) {
				return m, fmt.Errorf("%w: unknown step %d", ErrMalformedMessage, v)
			}
			m.Step = Step(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: payload: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			m.Payload = slices.Clone(v)
			b = b[n:]
		case num == fieldOrigin && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("%w: origin: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			m.Origin = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !seenKind {
		return m, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	return m, nil
}

// EncodeStateVector writes one length delimited entry per actor, sorted by actor so equal vectors encode
// identically.
func EncodeStateVector(sv document.StateVector) []byte {
	actors := make([]string, 0, len(sv))
	for a := range sv {
		actors = append(actors, a)
	}
	slices.Sort(actors)
	var b []byte
	for _, a := range actors {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldActor, protowire.BytesType)
		entry = protowire.AppendString(entry, a)
		entry = protowire.AppendTag(entry, fieldSeq, protowire.VarintType)
		entry = protowire.AppendVarint(entry, sv[a])
		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func DecodeStateVector(b []byte) (document.StateVector, error) {
	sv := make(document.StateVector)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldEntry || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: state vector entry: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		actor, seq, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		if seq > sv[actor] {
			sv[actor] = seq
		}
	}
	return sv, nil
}

func decodeEntry(b []byte) (string, uint64, error) {
	var actor string
	var seq uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", 0, fmt.Errorf("%w: entry: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldActor && typ == protowire.BytesType:
			actor, n = protowire.ConsumeString(b)
		case num == fieldSeq && typ == protowire.VarintType:
			seq, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", 0, fmt.Errorf("%w: entry: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if actor == "" {
		return "", 0, fmt.Errorf("%w: entry without actor", ErrMalformedMessage)
	}
	return actor, seq, nil
}
