package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zonedConfig() Config {
	return Config{
		ZonesEnabled: true,
		Zones: []Zone{
			{ID: "mens", Ranges: []Range{{Start: 1, End: 32}}, RelayCards: []int{1, 2}, Enabled: true},
			{ID: "womens", Ranges: []Range{{Start: 33, End: 64}}, RelayCards: []int{3, 4}, Enabled: true},
		},
	}
}

func TestResolve_MensZoneBoundaries(t *testing.T) {
	cfg := zonedConfig()

	cases := []struct {
		id   int
		want Address
	}{
		{1, Address{Slave: 1, Coil: 1}},
		{16, Address{Slave: 1, Coil: 16}},
		{17, Address{Slave: 2, Coil: 1}},
		{32, Address{Slave: 2, Coil: 16}},
	}
	for _, c := range cases {
		got, err := Resolve(cfg, c.id)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "locker %d", c.id)
	}
}

func TestResolve_WomensZoneBoundaries(t *testing.T) {
	cfg := zonedConfig()

	cases := []struct {
		id   int
		want Address
	}{
		{33, Address{Slave: 3, Coil: 1}},
		{49, Address{Slave: 4, Coil: 1}},
		{64, Address{Slave: 4, Coil: 16}},
	}
	for _, c := range cases {
		got, err := Resolve(cfg, c.id)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "locker %d", c.id)
	}
}

func TestResolve_LegacyFallbackWhenZonesDisabled(t *testing.T) {
	cfg := Config{ZonesEnabled: false}

	got, err := Resolve(cfg, 17)
	require.NoError(t, err)
	assert.Equal(t, Address{Slave: 2, Coil: 1}, got)

	got, err = Resolve(cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, Address{Slave: 1, Coil: 1}, got)
}

func TestResolve_LegacyFallbackWhenNoZoneCoversID(t *testing.T) {
	cfg := zonedConfig() // covers 1-64 only
	got, err := Resolve(cfg, 65)
	require.NoError(t, err)
	assert.Equal(t, Address{Slave: 5, Coil: 1}, got)
}

func TestResolve_UnknownLockerBeyondLegacyBound(t *testing.T) {
	cfg := Config{ZonesEnabled: false, LegacyMaxLockers: 64}
	_, err := Resolve(cfg, 65)
	require.ErrorIs(t, err, ErrUnknownLocker)
}

func TestResolve_RejectsNonPositiveID(t *testing.T) {
	_, err := Resolve(Config{}, 0)
	require.ErrorIs(t, err, ErrUnknownLocker)
}

func TestResolve_HardwareConfigErrorWhenCardIndexOutOfRange(t *testing.T) {
	cfg := Config{
		ZonesEnabled: true,
		Zones: []Zone{
			{ID: "broken", Ranges: []Range{{Start: 1, End: 32}}, RelayCards: []int{1}, Enabled: true},
		},
	}
	_, err := Resolve(cfg, 20)
	var hwErr *HardwareConfigError
	require.ErrorAs(t, err, &hwErr)
	assert.Equal(t, "broken", hwErr.ZoneID)
}

func TestValidateZones_DetectsOverlap(t *testing.T) {
	zones := []Zone{
		{ID: "a", Ranges: []Range{{Start: 1, End: 16}}, RelayCards: []int{1}, Enabled: true},
		{ID: "b", Ranges: []Range{{Start: 10, End: 25}}, RelayCards: []int{2}, Enabled: true},
	}
	err := ValidateZones(zones)
	require.Error(t, err)
}

func TestValidateZones_DetectsSharedSlave(t *testing.T) {
	zones := []Zone{
		{ID: "a", Ranges: []Range{{Start: 1, End: 16}}, RelayCards: []int{1}, Enabled: true},
		{ID: "b", Ranges: []Range{{Start: 17, End: 32}}, RelayCards: []int{1}, Enabled: true},
	}
	err := ValidateZones(zones)
	require.Error(t, err)
}

func TestValidateZones_DetectsCapacityMismatch(t *testing.T) {
	zones := []Zone{
		{ID: "a", Ranges: []Range{{Start: 1, End: 20}}, RelayCards: []int{1}, Enabled: true},
	}
	err := ValidateZones(zones)
	var hwErr *HardwareConfigError
	require.ErrorAs(t, err, &hwErr)
}

func TestValidateZones_IgnoresDisabledZones(t *testing.T) {
	zones := []Zone{
		{ID: "a", Ranges: []Range{{Start: 1, End: 16}}, RelayCards: []int{1}, Enabled: true},
		{ID: "b", Ranges: []Range{{Start: 1, End: 16}}, RelayCards: []int{1}, Enabled: false},
	}
	err := ValidateZones(zones)
	require.NoError(t, err)
}

func TestValidateZones_AcceptsWellFormedConfig(t *testing.T) {
	require.NoError(t, ValidateZones(zonedConfig().Zones))
}
