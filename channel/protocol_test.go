package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"hello", Message{Type: MsgHello, Version: "1.0.0"}, true},
		{"hello without version", Message{Type: MsgHello}, false},
		{"subscribe", Message{Type: MsgSubscribe, Channel: "task"}, true},
		{"subscribe without channel", Message{Type: MsgSubscribe}, false},
		{"snapshot", Message{Type: MsgSnapshot, Channel: "task", Snapshot: []byte(`{}`)}, true},
		{"snapshot without body", Message{Type: MsgSnapshot, Channel: "task"}, false},
		{"invalidate", Message{Type: MsgInvalidate, Channel: "task", ID: "t-1"}, true},
		{"delete without id", Message{Type: MsgDelete, Channel: "task"}, false},
		{"mutation", Message{Type: MsgMutation, Channel: "task", ID: "t-1", Ref: "r"}, true},
		{"mutation without ref", Message{Type: MsgMutation, Channel: "task", ID: "t-1"}, false},
		{"ack", Message{Type: MsgAck, Channel: "task", Ref: "r"}, true},
		{"reject without ref", Message{Type: MsgReject, Channel: "task"}, false},
		{"unknown", Message{Type: "gossip"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	assert.NoError(t, Compatible(ProtocolVersion))
	assert.NoError(t, Compatible("1.0.0"))
	assert.NoError(t, Compatible("1.9.3"))
	assert.Error(t, Compatible("2.0.0"))
	assert.Error(t, Compatible("0.9.0"))
	assert.Error(t, Compatible("not-a-version"))
}

func TestHTTPToWS(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/sync", httpToWS("http://localhost:8080/sync"))
	assert.Equal(t, "wss://crm.example.com/sync", httpToWS("https://crm.example.com/sync"))
	assert.Equal(t, "ws://already", httpToWS("ws://already"))
}
