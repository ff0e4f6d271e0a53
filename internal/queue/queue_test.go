package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTripKeepsPipesInBody(t *testing.T) {
	msg := Message{Type: TypePickupRecorded, Body: []byte(`{"note":"a|b"}`)}
	got := deserialize(serialize(msg))
	assert.Equal(t, msg, got)
	assert.Equal(t, Message{Body: []byte("untyped")}, deserialize("untyped"))
}

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	require.NoError(t, q.Publish(ctx, Message{Type: TypeRegistryChanged}))

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	select {
	case msg := <-msgs:
		assert.Equal(t, TypeRegistryChanged, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	_, open := <-msgs
	assert.False(t, open)
}
