package cmd

import (
	"testing"

	"github.com/fatih/color"
	"github.com/roffe/goneo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHexData(t *testing.T) {
	b, err := parseHexData("01 c5 01:C5")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xC5, 0x01, 0xC5}, b)

	b, err = parseHexData("")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = parseHexData("abc")
	assert.Error(t, err)
}

func TestParseFilters(t *testing.T) {
	f, ids, err := parseFilters([]string{"0x7e8"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x7E8}, ids)
	assert.True(t, f.Match(&goneo.CANMessage{NetID: goneo.HSCAN, ArbID: 0x7E8}))
	assert.False(t, f.Match(&goneo.CANMessage{NetID: goneo.HSCAN, ArbID: 0x7E0}))

	f, ids, err = parseFilters([]string{"0x7e0", "2024"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x7E0, 2024}, ids)
	assert.True(t, f.Match(&goneo.CANMessage{NetID: goneo.HSCAN, ArbID: 1}))
	assert.True(t, allowed(2024, ids))
	assert.False(t, allowed(1, ids))
	assert.True(t, allowed(1, nil))

	_, _, err = parseFilters([]string{"nope"})
	assert.Error(t, err)
}

func TestFormatMessage(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = noColor }()

	can := goneo.NewCANMessage(goneo.HSCAN, 0x7E0, []byte{0x02, 0x10, 0x03})
	eth := goneo.NewEthernetMessage(goneo.OPEthernet1, nil, nil, 0x88B5, []byte{1})

	tests := []struct {
		name    string
		msg     goneo.Message
		colored bool
		want    string
		ok      bool
	}{
		{"plain can", can, false, can.String(), true},
		{"colored can", can, true, can.ColorString(), true},
		{"ethernet ignores color", eth, true, eth.String(), true},
		{"raw is skipped", &goneo.RawMessage{NetID: goneo.NetDevice}, false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := formatMessage(tt.msg, tt.colored)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	plain, _ := formatMessage(can, false)
	assert.NotContains(t, plain, "\x1b[")
	assert.Contains(t, can.ColorString(), "\x1b[")
}
