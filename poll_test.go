package goneo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canMsg(id uint32) *CANMessage {
	return &CANMessage{NetID: HSCAN, ArbID: id}
}

func TestPollBuffer_Disabled(t *testing.T) {
	p := newPollBuffer(0)
	assert.Equal(t, DefaultPollingLimit, p.getLimit())
	assert.False(t, p.push(canMsg(1)))
	assert.Zero(t, p.count())

	_, err := p.read(nil, 0)
	assert.ErrorIs(t, err, ErrPollingNotEnabled)
}

func TestPollBuffer_DropsOldest(t *testing.T) {
	p := newPollBuffer(3)
	p.enable()
	for i := uint32(1); i <= 3; i++ {
		assert.False(t, p.push(canMsg(i)))
	}
	assert.True(t, p.push(canMsg(4)), "first overflow is reported")
	assert.False(t, p.push(canMsg(5)), "same burst is reported once")
	assert.Equal(t, uint64(2), p.droppedCount())

	msgs, err := p.read(nil, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, uint32(i+3), m.(*CANMessage).ArbID)
	}

	for i := uint32(1); i <= 4; i++ {
		p.push(canMsg(i))
	}
	assert.Equal(t, 3, p.count())
}

func TestPollBuffer_ReadLimit(t *testing.T) {
	p := newPollBuffer(10)
	p.enable()
	for i := uint32(0); i < 5; i++ {
		p.push(canMsg(i))
	}
	buf := make([]Message, 0, 10)
	msgs, err := p.read(buf, 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 3, p.count())

	msgs, err = p.read(msgs[:0], 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
	assert.Equal(t, uint32(2), msgs[0].(*CANMessage).ArbID)
}

func TestPollBuffer_SetLimit(t *testing.T) {
	p := newPollBuffer(10)
	p.enable()
	for i := uint32(0); i < 6; i++ {
		p.push(canMsg(i))
	}
	_, err := p.setLimit(0)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	overflow, err := p.setLimit(4)
	require.NoError(t, err)
	assert.True(t, overflow)
	assert.Equal(t, 4, p.count())

	p.disable()
	assert.Zero(t, p.count())
	assert.False(t, p.isEnabled())
}
