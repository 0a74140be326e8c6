package domain

import (
	"encoding/json"
	"time"
)

// Quality represents the quality/reliability of a reading.
type Quality string

const (
	QualityGood         Quality = "good"
	QualityBad          Quality = "bad"
	QualityNotConnected Quality = "not_connected"
)

// QualityFor maps a read error to the quality reported with the reading.
func QualityFor(err error) Quality {
	switch {
	case err == nil:
		return QualityGood
	case IsProtocolError(err):
		return QualityBad
	default:
		return QualityNotConnected
	}
}

// Reading is the outcome of one poll of a block.
type Reading struct {
	Block     string
	Topic     string
	Bits      []bool
	Registers []uint16
	Quality   Quality
	Timestamp time.Time
}

// MQTTPayload is the compact payload format published for a reading.
type MQTTPayload struct {
	Value     interface{} `json:"v"`
	Quality   Quality     `json:"q"`
	Timestamp int64       `json:"ts"` // Unix milliseconds
}

// ToJSON serializes the reading as an MQTT payload.
func (r *Reading) ToJSON() ([]byte, error) {
	payload := MQTTPayload{
		Quality:   r.Quality,
		Timestamp: r.Timestamp.UnixMilli(),
	}
	switch {
	case r.Bits != nil:
		payload.Value = r.Bits
	case r.Registers != nil:
		payload.Value = r.Registers
	}
	return json.Marshal(payload)
}
