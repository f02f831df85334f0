package types

// Event is the wire form of a state-transition event. Attributes carry only
// string values so payloads survive JSON and RPC boundaries unchanged.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
