package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/escrowd/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillPublisher_PublishEscrow(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer pubsub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubsub.Subscribe(ctx, TopicEscrow)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubsub)
	escrow := &core.Escrow{
		ID:              "escrow_1",
		Participants:    core.Participants{Payer: "GPAYER", Payee: "GPAYEE"},
		Amount:          core.Amount{Value: "100", AssetCode: "XLM"},
		State:           core.EscrowReleased,
		TransactionRefs: core.TransactionRefs{Funding: "tx1", Release: "tx2"},
	}
	require.NoError(t, pub.PublishEscrow(ctx, "released", escrow))

	select {
	case msg := <-messages:
		msg.Ack()
		var event EscrowEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, "released", event.Type)
		assert.Equal(t, "escrow_1", event.EscrowID)
		assert.Equal(t, core.EscrowReleased, event.State)
		assert.Equal(t, "tx2", event.TxRef)
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}

func TestWatermillPublisher_PublishAuthenticated(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer pubsub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubsub.Subscribe(ctx, TopicAuthenticated)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubsub)
	require.NoError(t, pub.PublishAuthenticated(ctx, &core.Identity{PublicKey: "GKEY", AgentID: "a1"}, "r-1"))

	select {
	case msg := <-messages:
		msg.Ack()
		var event AuthenticatedEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, "GKEY", event.PublicKey)
		assert.Equal(t, "r-1", event.ReceiptID)
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}
