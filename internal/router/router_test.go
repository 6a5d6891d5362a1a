package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"github.com/amigochat/realtime/internal/mocks"
	"github.com/amigochat/realtime/internal/presence"
)

func TestRoute_DeliversToOnlineRecipient(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	reg := presence.NewRegistry()
	reg.Add("alice", "c1")
	reg.Add("bob", "c2")

	tr.EXPECT().
		SendMessage("c2", []byte(`{"sender_id":"alice","text":"hi","type":"message"}`)).
		Return(nil)

	outcome := New(reg, tr).Route(Envelope{SenderID: "alice", ReceiverID: "bob", Text: "hi"})

	assert.Equal(t, Delivered, outcome)
}

func TestRoute_DropsWhenRecipientOffline(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	reg := presence.NewRegistry()
	reg.Add("alice", "c1")

	// No SendMessage and no Broadcast expected.
	outcome := New(reg, tr).Route(Envelope{SenderID: "alice", ReceiverID: "carol", Text: "hi"})

	assert.Equal(t, Dropped, outcome)
}

func TestRoute_WriteFailureIsSwallowed(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	reg := presence.NewRegistry()
	reg.Add("bob", "c2")

	tr.EXPECT().SendMessage("c2", gomock.Any()).Return(errors.New("ws: connection c2 not found"))

	outcome := New(reg, tr).Route(Envelope{SenderID: "alice", ReceiverID: "bob", Text: "hi"})

	assert.Equal(t, Failed, outcome)
}

func TestRoute_SenderIsNotValidated(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	reg := presence.NewRegistry()
	reg.Add("bob", "c2")

	tr.EXPECT().
		SendMessage("c2", []byte(`{"sender_id":"nobody","text":"","type":"message"}`)).
		Return(nil)

	outcome := New(reg, tr).Route(Envelope{SenderID: "nobody", ReceiverID: "bob"})

	assert.Equal(t, Delivered, outcome)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "dropped", Dropped.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
