// Package signaling is the shared key-value and pub/sub store two peers use
// to exchange call offers, answers and ICE candidates, plus the global
// broadcast notice list.
//
// A call record lives under the callee's identity. The caller writes the
// offer and its candidates there; the callee answers into the same record.
// Removing the record is the hangup signal for both sides.
package signaling

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("signaling channel closed")
	// ErrInvalidKey is returned for an empty identity key.
	ErrInvalidKey = errors.New("invalid signaling key")
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Bucket selects which side's candidates a push targets.
type Bucket string

const (
	CallerCandidates Bucket = "callerCandidates"
	CalleeCandidates Bucket = "calleeCandidates"
)

// CallRecord is the negotiation state shared under one identity.
type CallRecord struct {
	Offer            *SessionDescription     `json:"offer,omitempty"`
	Answer           *SessionDescription     `json:"answer,omitempty"`
	From             string                  `json:"from,omitempty"`
	CallerCandidates map[string]ICECandidate `json:"callerCandidates,omitempty"`
	CalleeCandidates map[string]ICECandidate `json:"calleeCandidates,omitempty"`
}

// RecordPatch is a partial record write. Nil fields are left unchanged.
type RecordPatch struct {
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
	From   *string             `json:"from,omitempty"`
}

// PushedCandidate is a candidate with the push id it was stored under.
type PushedCandidate struct {
	ID        string
	Candidate ICECandidate
}

// Candidates returns the bucket's candidates in push order.
func (r *CallRecord) Candidates(b Bucket) []PushedCandidate {
	if r == nil {
		return nil
	}
	m := r.CallerCandidates
	if b == CalleeCandidates {
		m = r.CalleeCandidates
	}
	out := make([]PushedCandidate, 0, len(m))
	for id, c := range m {
		out = append(out, PushedCandidate{ID: id, Candidate: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clone returns a deep copy.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	out := &CallRecord{From: r.From}
	if r.Offer != nil {
		o := *r.Offer
		out.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		out.Answer = &a
	}
	if r.CallerCandidates != nil {
		out.CallerCandidates = make(map[string]ICECandidate, len(r.CallerCandidates))
		for k, v := range r.CallerCandidates {
			out.CallerCandidates[k] = v
		}
	}
	if r.CalleeCandidates != nil {
		out.CalleeCandidates = make(map[string]ICECandidate, len(r.CalleeCandidates))
		for k, v := range r.CalleeCandidates {
			out.CalleeCandidates[k] = v
		}
	}
	return out
}

func (r *CallRecord) apply(p RecordPatch) {
	if p.Offer != nil {
		o := *p.Offer
		r.Offer = &o
	}
	if p.Answer != nil {
		a := *p.Answer
		r.Answer = &a
	}
	if p.From != nil {
		r.From = *p.From
	}
}

func (r *CallRecord) push(b Bucket, id string, c ICECandidate) {
	if b == CalleeCandidates {
		if r.CalleeCandidates == nil {
			r.CalleeCandidates = make(map[string]ICECandidate)
		}
		r.CalleeCandidates[id] = c
		return
	}
	if r.CallerCandidates == nil {
		r.CallerCandidates = make(map[string]ICECandidate)
	}
	r.CallerCandidates[id] = c
}

// Broadcast is an administrator notice shown to every user.
type Broadcast struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    string    `json:"author,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordHandler receives the current record after each change. A nil
// record means the record does not exist.
type RecordHandler func(rec *CallRecord)

// BroadcastHandler receives the full broadcast list after each change.
type BroadcastHandler func(list []Broadcast)

// Channel is the contract the call session and chat session depend on.
// Subscriptions fire once with the current value and then once per change;
// handlers for one subscription are never invoked concurrently.
type Channel interface {
	Get(ctx context.Context, key string) (*CallRecord, error)
	Set(ctx context.Context, key string, rec CallRecord) error
	Update(ctx context.Context, key string, patch RecordPatch) error
	Remove(ctx context.Context, key string) error
	PushCandidate(ctx context.Context, key string, bucket Bucket, c ICECandidate) (string, error)
	Subscribe(ctx context.Context, key string, fn RecordHandler) (unsubscribe func(), err error)

	PushBroadcast(ctx context.Context, b Broadcast) (string, error)
	RemoveBroadcast(ctx context.Context, id string) error
	SubscribeBroadcasts(ctx context.Context, fn BroadcastHandler) (unsubscribe func(), err error)

	Close() error
}

// SanitizeKey maps an identity to a store key. Dots are not allowed in
// keys by the hosted stores the browser client uses, so they become commas.
func SanitizeKey(identity string) (string, error) {
	key := strings.TrimSpace(identity)
	if key == "" {
		return "", ErrInvalidKey
	}
	return strings.ReplaceAll(key, ".", ","), nil
}

// NewPushID returns a time-ordered unique id.
func NewPushID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func sortBroadcasts(list []Broadcast) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].ID < list[j].ID
		}
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
}
