// Package identity generates the opaque ids that distinguish this process
// from its peers. Ids are random 128-bit UUIDs; the fleet is small and
// request lifetimes are short, so collisions are not checked for.
package identity

import "github.com/google/uuid"

// NewInstanceID returns the id held for the lifetime of this process. It is
// used as the binding key of the private response queue, the reply-to value
// on outbound membership queries, and the origin tag on presence events.
func NewInstanceID() string {
	return uuid.NewString()
}

// NewRequestID returns a fresh id for one scatter-gather query.
func NewRequestID() string {
	return uuid.NewString()
}
