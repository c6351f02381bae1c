package types

// Event is the wire-friendly representation of a state change pushed to
// connected participants.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
