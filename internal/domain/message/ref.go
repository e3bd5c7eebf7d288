package message

// Ref identifies a cached message: either a durable row id or a local id for a
// send that has not been confirmed yet. The set of implementations is closed.
type Ref interface {
	Key() string
	isRef()
}

type Confirmed struct {
	ID string
}

type Pending struct {
	LocalID string
}

func (c Confirmed) Key() string { return c.ID }
func (Confirmed) isRef()        {}

func (p Pending) Key() string { return p.LocalID }
func (Pending) isRef()        {}

func IsPending(r Ref) bool {
	_, ok := r.(Pending)
	return ok
}

// DurableID returns the row id and true for confirmed refs.
func DurableID(r Ref) (string, bool) {
	switch v := r.(type) {
	case Confirmed:
		return v.ID, true
	case Pending:
		return "", false
	}
	return "", false
}
