package document

import "fmt"

// OriginKind tags where a delta came from. It is decided when the delta is created and never inferred later.
type OriginKind int

const (
	OriginLocal OriginKind = iota
	OriginRemote
	OriginInitialSync
	OriginUndo
)

func (k OriginKind) String() string {
	switch k {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginInitialSync:
		return "initial-sync"
	case OriginUndo:
		return "undo"
	default:
		return fmt.Sprintf("origin(%d)", int(k))
	}
}

// Origin identifies the cause of an update. Replica is set for remote origins and names the sending replica or
// connection when known.
type Origin struct {
	Kind    OriginKind
	Replica string
}

func Local() Origin {
	return Origin{Kind: OriginLocal}
}

func Remote(replica string) Origin {
	return Origin{Kind: OriginRemote, Replica: replica}
}

func InitialSync() Origin {
	return Origin{Kind: OriginInitialSync}
}

func Undo() Origin {
	return Origin{Kind: OriginUndo}
}

func (o Origin) String() string {
	if o.Kind == OriginRemote && o.Replica != "" {
		return o.Kind.String() + ":" + o.Replica
	}
	return o.Kind.String()
}

// Persistable reports whether updates with this origin represent user intent that should reach storage.
func (o Origin) Persistable() bool {
	return o.Kind == OriginLocal || o.Kind == OriginUndo
}
