// Package authz holds the request identity and the ownership rule that gates
// every mutation of rooms and messages.
package authz

// Actor is the identity a request acts as. The zero value is anonymous.
type Actor struct {
	UserID   uint
	Username string
}

// Anonymous is the actor of a request without a valid session or token.
var Anonymous = Actor{}

func (a Actor) Authenticated() bool { return a.UserID != 0 }

// Owned is implemented by entities with a single owning user
// (a room's host, a message's author).
type Owned interface {
	OwnerID() uint
}

// IsOwner reports whether actor owns entity. Anonymous actors own nothing.
func IsOwner(entity Owned, actor Actor) bool {
	return actor.Authenticated() && entity.OwnerID() == actor.UserID
}
