package hub

type audienceKind int

const (
	audienceAll audienceKind = iota
	audienceAllExcept
	audienceOnly
)

// Audience selects which attached sessions receive a broadcast.
type Audience struct {
	kind    audienceKind
	session string
}

// All targets every attached session.
func All() Audience {
	return Audience{kind: audienceAll}
}

// AllExcept targets every attached session other than sessionID.
func AllExcept(sessionID string) Audience {
	return Audience{kind: audienceAllExcept, session: sessionID}
}

// Only targets sessionID alone.
func Only(sessionID string) Audience {
	return Audience{kind: audienceOnly, session: sessionID}
}

func (a Audience) includes(sessionID string) bool {
	switch a.kind {
	case audienceAllExcept:
		return sessionID != a.session
	case audienceOnly:
		return sessionID == a.session
	default:
		return true
	}
}
