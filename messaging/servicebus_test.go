package messaging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullyQualifiedNamespace(t *testing.T) {
	assert.Equal(t, "tripwatch-prod.servicebus.windows.net", FullyQualifiedNamespace("tripwatch-prod"))
}

func TestNewJSONMessage(t *testing.T) {
	t.Run("encodes body and applies options", func(t *testing.T) {
		data := map[string]string{"trip_id": "trip-1", "type": "driver_running_late"}

		msg, err := NewJSONMessage("notif-1", data,
			WithSubject("driver_running_late"),
			WithCorrelationID("trip-1"),
			WithProperty("priority", "high"),
		)
		require.NoError(t, err)

		assert.Equal(t, "notif-1", msg.ID)
		assert.Equal(t, "application/json", msg.ContentType)
		assert.Equal(t, "driver_running_late", msg.Subject)
		assert.Equal(t, "trip-1", msg.CorrelationID)
		assert.Equal(t, map[string]string{"priority": "high"}, msg.Properties)

		var decoded map[string]string
		require.NoError(t, json.Unmarshal(msg.Body, &decoded))
		assert.Equal(t, data, decoded)
	})

	t.Run("unencodable data", func(t *testing.T) {
		_, err := NewJSONMessage("notif-2", make(chan int))
		assert.Error(t, err)
	})
}

func TestMessage_ToServiceBus(t *testing.T) {
	t.Run("all fields", func(t *testing.T) {
		msg, err := NewJSONMessage("notif-1", struct{}{},
			WithSubject("departure_alert"),
			WithCorrelationID("trip-9"),
			WithProperty("priority", "urgent"),
		)
		require.NoError(t, err)

		sb := msg.toServiceBus()
		require.NotNil(t, sb.MessageID)
		assert.Equal(t, "notif-1", *sb.MessageID)
		require.NotNil(t, sb.ContentType)
		assert.Equal(t, "application/json", *sb.ContentType)
		require.NotNil(t, sb.Subject)
		assert.Equal(t, "departure_alert", *sb.Subject)
		require.NotNil(t, sb.CorrelationID)
		assert.Equal(t, "trip-9", *sb.CorrelationID)
		assert.Equal(t, "urgent", sb.ApplicationProperties["priority"])
		assert.Equal(t, []byte("{}"), sb.Body)
	})

	t.Run("optional fields left nil", func(t *testing.T) {
		sb := (&Message{ID: "m", Body: []byte("x")}).toServiceBus()
		assert.Nil(t, sb.ContentType)
		assert.Nil(t, sb.Subject)
		assert.Nil(t, sb.CorrelationID)
		assert.Nil(t, sb.ApplicationProperties)
	})
}

func TestWithProperty_Accumulates(t *testing.T) {
	msg := &Message{}
	WithProperty("a", "1")(msg)
	WithProperty("b", "2")(msg)
	WithProperty("a", "3")(msg)

	assert.Equal(t, map[string]string{"a": "3", "b": "2"}, msg.Properties)
}
