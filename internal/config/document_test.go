package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocJSON = `{
  "features": { "zones_enabled": true },
  "hardware": { "port": "/dev/ttyUSB0", "baud_rate": 9600 },
  "zones": [
    { "id": "mens",   "ranges": [[1,32]],  "relay_cards": [1,2], "enabled": true },
    { "id": "womens", "ranges": [[33,64]], "relay_cards": [3,4], "enabled": true }
  ],
  "timing": { "pulse_ms": 400, "burst_ms": 10000, "burst_interval_ms": 2000,
              "command_interval_ms": 300, "reservation_ttl_sec": 90,
              "heartbeat_sec": 10, "offline_sec": 30 }
}`

func TestParseDocument_ParsesValidDocument(t *testing.T) {
	d, err := ParseDocument(sampleDocJSON)
	require.NoError(t, err)
	assert.True(t, d.Features.ZonesEnabled)
	assert.Equal(t, 9600, d.Hardware.BaudRate)
	assert.Len(t, d.Zones, 2)
	assert.Equal(t, 400, d.Timing.PulseMs)
}

func TestParseDocument_ZonesMatchExpectedShape(t *testing.T) {
	d, err := ParseDocument(sampleDocJSON)
	require.NoError(t, err)

	expected := []ZoneDoc{
		{ID: "mens", Ranges: [][2]int{{1, 32}}, RelayCards: []int{1, 2}, Enabled: true},
		{ID: "womens", Ranges: [][2]int{{33, 64}}, RelayCards: []int{3, 4}, Enabled: true},
	}
	if diff := cmp.Diff(expected, d.Zones); diff != "" {
		t.Errorf("parsed zones mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDocument_RejectsMalformedJSON(t *testing.T) {
	_, err := ParseDocument(`not json`)
	assert.Error(t, err)
}

func TestParseDocument_RejectsInvalidZoneGeometry(t *testing.T) {
	_, err := ParseDocument(`{
		"zones": [
			{ "id": "mens", "ranges": [[1,32]], "relay_cards": [], "enabled": true }
		]
	}`)
	assert.Error(t, err)
}

func TestDocument_MapperConfig_ConvertsZones(t *testing.T) {
	d, err := ParseDocument(sampleDocJSON)
	require.NoError(t, err)

	mc, err := d.MapperConfig()
	require.NoError(t, err)
	assert.True(t, mc.ZonesEnabled)
	require.Len(t, mc.Zones, 2)
	assert.Equal(t, "mens", mc.Zones[0].ID)
	assert.Equal(t, []int{1, 2}, mc.Zones[0].RelayCards)
}
