package types

// Event is the generic attribute-bag form of a state change, consumed by RPC
// subscribers and indexers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
