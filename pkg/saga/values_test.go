package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValues(t *testing.T) {
	v := NewValues(map[string]any{"booking_id": "b-1", "amount": 150.0, "empty": ""})

	s, ok := v.String("booking_id")
	assert.True(t, ok)
	assert.Equal(t, "b-1", s)

	_, ok = v.String("amount")
	assert.False(t, ok, "non-string values are not strings")
	_, ok = v.String("empty")
	assert.False(t, ok)
	_, ok = v.String("missing")
	assert.False(t, ok)

	v.Set("calendar_event_id", "evt-9")
	assert.True(t, v.Has("calendar_event_id"))
	assert.Equal(t, []string{"amount", "booking_id", "calendar_event_id", "empty"}, v.Keys())

	m := v.Map()
	m["booking_id"] = "tampered"
	s, _ = v.String("booking_id")
	assert.Equal(t, "b-1", s)

	v.Delete("empty")
	assert.Equal(t, 3, v.Len())
}
