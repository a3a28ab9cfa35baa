// internal/models/namespace.go
package models

// DefaultNamespace is the root path shared by both seats of a match.
const DefaultNamespace Namespace = "pigGame"

// Namespace is the root of one match's documents in the shared store.
// Removing it wipes both the seat claims and the game state in one operation.
type Namespace string

// Root returns the namespace path itself.
func (n Namespace) Root() string {
	return string(n)
}

// State is the path of the shared GameState document.
func (n Namespace) State() string {
	return string(n) + "/state"
}

// Players is the path of the seat occupancy document.
func (n Namespace) Players() string {
	return string(n) + "/players"
}

// SeatFlag is the path of one seat's occupancy flag inside the players document.
func (n Namespace) SeatFlag(field string) string {
	return n.Players() + "/" + field
}
