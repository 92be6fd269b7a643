package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	Item     string
	Quantity int64
}

func TestPayloadRoundTrip(t *testing.T) {
	data, err := Encode(order{Item: "book", Quantity: 3})
	require.NoError(t, err)

	var got order
	require.NoError(t, Decode(data, &got))
	assert.Equal(t, order{Item: "book", Quantity: 3}, got)

	data, err = Encode(&order{Item: "pen", Quantity: 1})
	require.NoError(t, err)
	require.NoError(t, Decode(data, &got))
	assert.Equal(t, "pen", got.Item)
}

func TestPayloadNilIsAbsent(t *testing.T) {
	data, err := Encode(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	var p *order
	data, err = Encode(p)
	require.NoError(t, err)
	assert.Nil(t, data)

	got := order{Item: "kept"}
	require.NoError(t, Decode(nil, &got))
	assert.Equal(t, "kept", got.Item)
}

func TestDecodeRequiresPointer(t *testing.T) {
	data, err := Encode("x")
	require.NoError(t, err)
	assert.Error(t, Decode(data, "not a pointer"))
}

func TestEntityIDString(t *testing.T) {
	id := NewEntityID("Counter", "Key-A")
	assert.Equal(t, "@counter@Key-A", id.String())
	assert.True(t, IsEntityKey(id.String()))
	assert.False(t, IsEntityKey("order-1"))

	back, err := ParseEntityID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, back)

	_, err = ParseEntityID("counter@x")
	assert.Error(t, err)
}

func TestStatuses(t *testing.T) {
	terminal := map[OrchestrationStatus]bool{
		StatusPending:        false,
		StatusRunning:        false,
		StatusSuspended:      false,
		StatusCompleted:      true,
		StatusFailed:         true,
		StatusTerminated:     true,
		StatusContinuedAsNew: true,
	}
	for s, want := range terminal {
		assert.Equal(t, want, s.IsTerminal(), s)
	}

	s, err := ParseOrchestrationStatus("Running")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s)
	_, err = ParseOrchestrationStatus("running")
	assert.Error(t, err)

	assert.True(t, ContainsStatus([]OrchestrationStatus{StatusRunning}, StatusRunning))
	assert.False(t, ContainsStatus(nil, StatusRunning))
}
