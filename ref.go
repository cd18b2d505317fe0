package theatre

import (
	"fmt"
	"strings"
)

// Address names an actor as "<namespace>:<id>". The namespace selects the
// Dispatcher bound on a Server (or the actor type registered on a Host).
type Address string

type Ref struct {
	Type string
	ID   string
}

func NewRef(t, id string) Ref {
	return Ref{
		Type: t,
		ID:   id,
	}
}

func (r Ref) String() string {
	return r.Type + ":" + r.ID
}

// Address returns the wire form of the ref.
func (r Ref) Address() Address {
	return Address(r.String())
}

// ParseAddress splits an address into its namespace and id. The id may
// itself contain colons.
func ParseAddress(a Address) (Ref, error) {
	ns, id, ok := strings.Cut(string(a), ":")
	if !ok || ns == "" {
		return Ref{}, fmt.Errorf("theatre: malformed address %q", string(a))
	}
	return Ref{Type: ns, ID: id}, nil
}

// Namespace returns the part of the address before the first colon, or the
// whole address when there is none.
func (a Address) Namespace() string {
	ns, _, _ := strings.Cut(string(a), ":")
	return ns
}

func (a Address) String() string { return string(a) }
