package commands

import (
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/teranos/crmsync/channel"
	"github.com/teranos/crmsync/crm"
	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
)

// pushDoc is one entry of a push file:
//
//	- type: contract
//	  snapshot: {id: c-1, name: Support, status: LIVE}
//	- type: contact
//	  id: c-7
//	  action: delete        # or invalidate
type pushDoc struct {
	Type     string         `yaml:"type"`
	ID       string         `yaml:"id"`
	Action   string         `yaml:"action"`
	Snapshot map[string]any `yaml:"snapshot"`
}

// readPushes parses a YAML push file into channel messages. Snapshots are
// checked against the entity schema so a typo fails here rather than on
// every subscriber.
func readPushes(r io.Reader) ([]channel.Message, error) {
	var docs []pushDoc
	if err := yaml.NewDecoder(r).Decode(&docs); err != nil && err != io.EOF {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrInvalidRequest), "parse push file")
	}

	schemas := crm.Schemas()
	out := make([]channel.Message, 0, len(docs))
	for i, d := range docs {
		schema, ok := schemas[d.Type]
		if !ok {
			return nil, errors.NewInvalidRequestError("entry %d: unknown entity type %q", i, d.Type)
		}
		msg := channel.Message{Channel: d.Type, ID: d.ID}
		switch d.Action {
		case "", "snapshot":
			if d.Snapshot == nil {
				return nil, errors.NewInvalidRequestError("entry %d: snapshot missing", i)
			}
			raw, err := json.Marshal(d.Snapshot)
			if err != nil {
				return nil, errors.Wrapf(err, "entry %d", i)
			}
			v, err := diff.Parse(schema, raw)
			if err != nil {
				return nil, errors.Wrapf(err, "entry %d", i)
			}
			if msg.ID == "" {
				msg.ID = v.Get("id").Str()
			}
			if msg.ID == "" {
				return nil, errors.NewInvalidRequestError("entry %d: snapshot without id", i)
			}
			msg.Type = channel.MsgSnapshot
			msg.Snapshot, err = json.Marshal(v.With("id", diff.String(msg.ID)))
			if err != nil {
				return nil, errors.Wrapf(err, "entry %d", i)
			}
		case "invalidate":
			msg.Type = channel.MsgInvalidate
		case "delete":
			msg.Type = channel.MsgDelete
		default:
			return nil, errors.NewInvalidRequestError("entry %d: unknown action %q", i, d.Action)
		}
		if err := msg.Validate(); err != nil {
			return nil, errors.Wrapf(err, "entry %d", i)
		}
		out = append(out, msg)
	}
	return out, nil
}
