package config

import (
	"encoding/json"
	"fmt"

	"github.com/lockergw/gateway/internal/locker/mapper"
)

// Document is the zones/hardware/timing JSON shape operators deploy through
// the Store. It is distinct from Bootstrap: Bootstrap configures this
// process, Document configures the fleet this process manages.
type Document struct {
	Features FeaturesDoc `json:"features"`
	Hardware HardwareDoc `json:"hardware"`
	Zones    []ZoneDoc   `json:"zones"`
	Timing   TimingDoc   `json:"timing"`
}

type FeaturesDoc struct {
	ZonesEnabled bool `json:"zones_enabled"`
}

type HardwareDoc struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
}

type ZoneDoc struct {
	ID         string  `json:"id"`
	Ranges     [][2]int `json:"ranges"`
	RelayCards []int   `json:"relay_cards"`
	Enabled    bool    `json:"enabled"`
}

type TimingDoc struct {
	PulseMs           int `json:"pulse_ms"`
	BurstMs           int `json:"burst_ms"`
	BurstIntervalMs   int `json:"burst_interval_ms"`
	CommandIntervalMs int `json:"command_interval_ms"`
	ReservationTTLSec int `json:"reservation_ttl_sec"`
	HeartbeatSec      int `json:"heartbeat_sec"`
	OfflineSec        int `json:"offline_sec"`
}

// DefaultTiming matches the defaults documented for the timing block.
func DefaultTiming() TimingDoc {
	return TimingDoc{
		PulseMs:           400,
		BurstMs:           10_000,
		BurstIntervalMs:   2_000,
		CommandIntervalMs: 300,
		ReservationTTLSec: 90,
		HeartbeatSec:      10,
		OfflineSec:        30,
	}
}

// ParseDocument decodes and validates a config document's JSON content
// (Z1-Z3 zone geometry checks run via mapper.ValidateZones).
func ParseDocument(contentJSON string) (Document, error) {
	var d Document
	if err := json.Unmarshal([]byte(contentJSON), &d); err != nil {
		return Document{}, fmt.Errorf("config: decode document: %w", err)
	}
	if _, err := d.MapperConfig(); err != nil {
		return Document{}, err
	}
	return d, nil
}

// MapperConfig converts the document's zone geometry into mapper.Config,
// validating Z1-Z3 along the way.
func (d Document) MapperConfig() (mapper.Config, error) {
	zones := make([]mapper.Zone, 0, len(d.Zones))
	for _, z := range d.Zones {
		ranges := make([]mapper.Range, 0, len(z.Ranges))
		for _, r := range z.Ranges {
			ranges = append(ranges, mapper.Range{Start: r[0], End: r[1]})
		}
		zones = append(zones, mapper.Zone{
			ID:         z.ID,
			Ranges:     ranges,
			RelayCards: z.RelayCards,
			Enabled:    z.Enabled,
		})
	}
	if err := mapper.ValidateZones(zones); err != nil {
		return mapper.Config{}, err
	}
	return mapper.Config{
		ZonesEnabled: d.Features.ZonesEnabled,
		Zones:        zones,
	}, nil
}
