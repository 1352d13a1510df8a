package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/verbeek/eventcore/pkg/event"
)

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		evt := event.New("order.created", []byte(`{"total":42}`))

		assert.NotEmpty(t, evt.ID)
		assert.Equal(t, "order.created", evt.Type)
		assert.WithinDuration(t, time.Now(), evt.Timestamp, time.Second)
		assert.Equal(t, []byte(`{"total":42}`), evt.Payload)
	})

	t.Run("options", func(t *testing.T) {
		ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		evt := event.New("order.created", nil,
			event.WithID("evt-1"),
			event.WithTimestamp(ts),
			event.WithCorrelationID("corr-1"),
			event.WithCausationID("cmd-1"),
			event.WithMetadata("tenant", "acme"),
		)

		assert.Equal(t, "evt-1", evt.ID)
		assert.Equal(t, ts, evt.Timestamp)
		assert.Equal(t, "corr-1", evt.Metadata.CorrelationID)
		assert.Equal(t, "cmd-1", evt.Metadata.CausationID)
		assert.Equal(t, "acme", evt.Metadata.Custom["tenant"])
	})

	t.Run("ids are unique and sortable", func(t *testing.T) {
		a := event.New("t", nil)
		b := event.New("t", nil)
		assert.NotEqual(t, a.ID, b.ID)
		assert.Len(t, a.ID, 26)
	})
}

func TestJSONCodec(t *testing.T) {
	type payload struct {
		OrderID string `json:"order_id"`
		Total   int    `json:"total"`
	}

	codec := event.JSONCodec{}
	evt, err := event.Encode(codec, "order.created", payload{OrderID: "order-1", Total: 42})
	require.NoError(t, err)

	var decoded payload
	require.NoError(t, codec.Unmarshal(evt.Payload, &decoded))
	assert.Equal(t, "order-1", decoded.OrderID)
	assert.Equal(t, 42, decoded.Total)
}

func TestProtoCodec(t *testing.T) {
	codec := event.ProtoCodec{}

	t.Run("round trip", func(t *testing.T) {
		msg, err := structpb.NewStruct(map[string]any{"order_id": "order-1"})
		require.NoError(t, err)

		data, err := codec.Marshal(msg)
		require.NoError(t, err)

		decoded := &structpb.Struct{}
		require.NoError(t, codec.Unmarshal(data, decoded))
		assert.Equal(t, "order-1", decoded.Fields["order_id"].GetStringValue())
	})

	t.Run("rejects non-proto values", func(t *testing.T) {
		_, err := codec.Marshal("not a message")
		assert.Error(t, err)

		var out string
		assert.Error(t, codec.Unmarshal(nil, &out))
	})
}
