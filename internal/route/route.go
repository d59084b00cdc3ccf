// Package route defines the small enum overlay.Send and dispatch's RPC
// helpers share to pick a message's destination class, without forcing
// dispatch to import overlay (which must import dispatch to deliver
// locally-addressed messages).
package route

// Where selects which direction a message should travel.
type Where int

const (
	// Any lets the router inspect the message to decide: nodeid-based
	// child-route for requests, route-stack inspection for responses,
	// multicast for events.
	Any Where = iota
	Upstream
	Downstream
)

func (w Where) String() string {
	switch w {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "any"
	}
}
