package match

import "time"

// Room is the 2-party pairing record. Both members' pairing references point
// at each other and carry the room id (symmetry invariant, checked by tests).
type Room struct {
	ID        string
	MemberA   string
	MemberB   string
	Hobby     string
	CreatedAt time.Time
}

// Other returns the partner of id within the room, or "" if id is not a member.
func (r *Room) Other(id string) string {
	switch id {
	case r.MemberA:
		return r.MemberB
	case r.MemberB:
		return r.MemberA
	default:
		return ""
	}
}

// Rooms is the pairing table. No locking; hub-loop owned.
type Rooms struct {
	m map[string]*Room
}

func NewRooms() *Rooms {
	return &Rooms{m: make(map[string]*Room)}
}

func (rs *Rooms) Create(id, memberA, memberB, hobby string, now time.Time) *Room {
	room := &Room{
		ID:        id,
		MemberA:   memberA,
		MemberB:   memberB,
		Hobby:     hobby,
		CreatedAt: now,
	}
	rs.m[id] = room
	return room
}

func (rs *Rooms) Get(id string) *Room { return rs.m[id] }

// Destroy is idempotent.
func (rs *Rooms) Destroy(id string) {
	delete(rs.m, id)
}

func (rs *Rooms) Len() int { return len(rs.m) }
