package signaling

// Op names a frame of the WebSocket signaling protocol.
type Op string

const (
	// Client requests.
	OpGet                   Op = "get"
	OpSet                   Op = "set"
	OpUpdate                Op = "update"
	OpRemove                Op = "remove"
	OpPushCandidate         Op = "push_candidate"
	OpSubscribe             Op = "subscribe"
	OpUnsubscribe           Op = "unsubscribe"
	OpPushBroadcast         Op = "push_broadcast"
	OpRemoveBroadcast       Op = "remove_broadcast"
	OpSubscribeBroadcasts   Op = "subscribe_broadcasts"
	OpUnsubscribeBroadcasts Op = "unsubscribe_broadcasts"

	// Server frames.
	OpResult     Op = "result"
	OpRecord     Op = "record"
	OpBroadcasts Op = "broadcasts"
)

// Frame is one JSON message on the signaling socket. Requests carry an ID
// that the matching OpResult echoes; OpRecord and OpBroadcasts frames are
// unsolicited pushes for active subscriptions.
type Frame struct {
	ID         string        `json:"id,omitempty"`
	Op         Op            `json:"op"`
	Key        string        `json:"key,omitempty"`
	Record     *CallRecord   `json:"record,omitempty"`
	Patch      *RecordPatch  `json:"patch,omitempty"`
	Bucket     Bucket        `json:"bucket,omitempty"`
	Candidate  *ICECandidate `json:"candidate,omitempty"`
	Broadcast  *Broadcast    `json:"broadcast,omitempty"`
	Broadcasts []Broadcast   `json:"broadcasts,omitempty"`
	PushID     string        `json:"pushId,omitempty"`
	Error      string        `json:"error,omitempty"`
}
