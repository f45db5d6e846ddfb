package domain

// Status is the presence state carried by a room event.
type Status string

const (
	StatusJoined Status = "joined"
	StatusLeft   Status = "left"
)

// RoomEvent announces a join or leave to every instance. InstanceID tags the
// originating process so downstream consumers can tell local from remote
// causes.
type RoomEvent struct {
	RoomID     string `json:"roomId"`
	UserID     string `json:"userId"`
	Status     Status `json:"status"`
	InstanceID string `json:"instanceId"`
}

// ChatMessage is fanned out to every instance, including the publisher, so
// delivery to connected clients is uniform regardless of origin.
type ChatMessage struct {
	RoomID  string `json:"roomId"`
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// MembershipQuery broadcasts a "who is online in this room" request. The
// requester's instance id travels in the AMQP reply-to property, not the body.
type MembershipQuery struct {
	RequestID string `json:"requestId"`
	RoomID    string `json:"roomId"`
}

// MembershipReply is one instance's partial answer, routed back to exactly
// the requesting instance.
type MembershipReply struct {
	RequestID  string   `json:"requestId"`
	InstanceID string   `json:"instanceId"`
	Users      []string `json:"users"`
}
