package channel

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
)

// Sync channel message types.
//
// Server to client:
//
//	snapshot    full authoritative value of one entity
//	invalidate  the entity changed; refetch it
//	delete      the entity is gone
//	ack         the mutation with Ref was applied (Snapshot optional)
//	reject      the mutation with Ref was refused (Error set)
//
// Client to server:
//
//	mutation    one committed operation, correlated by Ref
//	subscribe / unsubscribe   websocket transports only
//
// Both directions open with hello, carrying the protocol version.
type MsgType string

const (
	MsgHello       MsgType = "hello"
	MsgSubscribe   MsgType = "subscribe"
	MsgUnsubscribe MsgType = "unsubscribe"
	MsgSnapshot    MsgType = "snapshot"
	MsgInvalidate  MsgType = "invalidate"
	MsgDelete      MsgType = "delete"
	MsgMutation    MsgType = "mutation"
	MsgAck         MsgType = "ack"
	MsgReject      MsgType = "reject"
)

// Wildcard subscribes to every id of a channel.
const Wildcard = "*"

// ProtocolVersion is the version announced in hello. Peers interoperate
// when the major versions match.
const ProtocolVersion = "1.1.0"

// Message is the envelope for everything sent over a sync channel.
type Message struct {
	Type MsgType `json:"type"`

	// Channel is the entity type; ID the entity id.
	Channel string `json:"channel,omitempty"`
	ID      string `json:"id,omitempty"`

	// Ref correlates a mutation with its ack or reject.
	Ref string `json:"ref,omitempty"`

	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Diff     []diff.Change   `json:"diff,omitempty"`
	// Op is "create" or "update" on mutations.
	Op    string `json:"op,omitempty"`
	Error string `json:"error,omitempty"`

	// Hello
	Version string `json:"version,omitempty"`
	Name    string `json:"name,omitempty"`
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s/%s", m.Type, m.Channel, m.ID)
}

// Validate checks the fields each message type requires.
func (m Message) Validate() error {
	switch m.Type {
	case MsgHello:
		if m.Version == "" {
			return errors.NewInvalidRequestError("hello without version")
		}
		return nil
	case MsgSubscribe, MsgUnsubscribe:
		if m.Channel == "" {
			return errors.NewInvalidRequestError("%s without channel", m.Type)
		}
		return nil
	case MsgSnapshot:
		if m.Channel == "" || len(m.Snapshot) == 0 {
			return errors.NewInvalidRequestError("snapshot needs channel and snapshot")
		}
		return nil
	case MsgInvalidate, MsgDelete:
		if m.Channel == "" || m.ID == "" {
			return errors.NewInvalidRequestError("%s needs channel and id", m.Type)
		}
		return nil
	case MsgMutation:
		if m.Channel == "" || m.ID == "" || m.Ref == "" {
			return errors.NewInvalidRequestError("mutation needs channel, id and ref")
		}
		return nil
	case MsgAck, MsgReject:
		if m.Channel == "" || m.Ref == "" {
			return errors.NewInvalidRequestError("%s needs channel and ref", m.Type)
		}
		return nil
	default:
		return errors.NewInvalidRequestError("unknown message type %q", m.Type)
	}
}

// Compatible reports whether a peer announcing remote can talk to this
// build.
func Compatible(remote string) error {
	local := semver.MustParse(ProtocolVersion)
	rv, err := semver.NewVersion(remote)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "protocol version %q: %v", remote, err)
	}
	if rv.Major() != local.Major() {
		return errors.WithHintf(
			errors.Newf("protocol version %s is incompatible with %s", rv, local),
			"upgrade the older side to %d.x", max(rv.Major(), local.Major()))
	}
	return nil
}
