// Package telemetry defines the energy meter reading carried on the ingress
// channel and the rules for identifying the meter that sent it.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultRTUID is used when a frame does not name its RTU.
const DefaultRTUID = "RTU0001"

// UnknownCustomer labels readings whose customer was never observed.
const UnknownCustomer = "Unknown"

// placeholderRTUID is what unconfigured meters send in the RTU field.
const placeholderRTUID = "ID"

// ErrInvalidFrame is returned when a frame is not a JSON object.
var ErrInvalidFrame = errors.New("frame is not a JSON object")

// Category names a sub-meter channel.
type Category string

// Load categories reported by the meters.
const (
	Main     Category = "Main"
	AirCon   Category = "AirCon"
	Lighting Category = "Lighting"
	Plug     Category = "Plug"
	Other    Category = "Other"
)

// Categories lists every load category in reporting order.
var Categories = []Category{Main, AirCon, Lighting, Plug, Other}

// Load is the measurement block of one category.
type Load struct {
	PhaseCurrent  Triple `json:"PhaseCurrent"`
	PhaseVoltage  Triple `json:"PhaseVoltage"`
	ActivePower   Number `json:"ActivePower"`
	ReactivePower Number `json:"ReactivePower"`
	ApparentPower Number `json:"ApparentPower"`
	PowerFactor   Number `json:"PowerFactor"`
	EnergyMonthly Number `json:"EnergyMonthly"`
	EnergyYearly  Number `json:"EnergyYearly"`
}

// UnmarshalJSON implements json.Unmarshaler. A block that is not an object
// decodes as an all-zero Load, so the category still counts as present.
func (l *Load) UnmarshalJSON(b []byte) error {
	type plain Load
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		*l = Load{}
		return nil
	}
	*l = Load(p)
	return nil
}

// Alarm is the status block reported alongside the loads.
type Alarm struct {
	Type   string `json:"Type"`
	Status bool   `json:"Status"`
}

// UnmarshalJSON implements json.Unmarshaler. Status also accepts "true"
// and "false" strings; other malformed fields decode as zero values.
func (a *Alarm) UnmarshalJSON(b []byte) error {
	*a = Alarm{}
	var raw struct {
		Type   json.RawMessage `json:"Type"`
		Status json.RawMessage `json:"Status"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	_ = json.Unmarshal(raw.Type, &a.Type)
	if err := json.Unmarshal(raw.Status, &a.Status); err != nil {
		var s string
		if json.Unmarshal(raw.Status, &s) == nil {
			a.Status, _ = strconv.ParseBool(strings.TrimSpace(s))
		}
	}
	return nil
}

// Reading is one telemetry sample. It is treated as immutable once it has
// been recorded.
type Reading struct {
	Customer   string    `json:"Customer,omitempty"`
	Main       *Load     `json:"Main,omitempty"`
	AirCon     *Load     `json:"AirCon,omitempty"`
	Lighting   *Load     `json:"Lighting,omitempty"`
	Plug       *Load     `json:"Plug,omitempty"`
	Other      *Load     `json:"Other,omitempty"`
	Alarm      *Alarm    `json:"Alarm,omitempty"`
	ReceivedAt time.Time `json:"time,omitzero"`
}

// Decode parses a raw ingress frame.
func Decode(frame []byte) (*Reading, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidFrame
	}

	var r Reading
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return nil, fmt.Errorf("decode reading: %w", err)
	}
	return &r, nil
}

// Load returns the block for c, or nil when the frame did not carry it.
func (r *Reading) Load(c Category) *Load {
	switch c {
	case Main:
		return r.Main
	case AirCon:
		return r.AirCon
	case Lighting:
		return r.Lighting
	case Plug:
		return r.Plug
	case Other:
		return r.Other
	}
	return nil
}

// Present returns the categories carried by r, in reporting order.
func (r *Reading) Present() []Category {
	out := make([]Category, 0, len(Categories))
	for _, c := range Categories {
		if r.Load(c) != nil {
			out = append(out, c)
		}
	}
	return out
}

// WithReceivedAt returns a copy of r stamped with the arrival time.
func (r *Reading) WithReceivedAt(t time.Time) *Reading {
	cp := *r
	cp.ReceivedAt = t
	return &cp
}

// RTUID returns the RTU named by the reading's Customer field.
func (r *Reading) RTUID(fallback string) string {
	return ExtractRTUID(r.Customer, fallback)
}

// CustomerName returns the display name from the reading's Customer field.
func (r *Reading) CustomerName() string {
	return CustomerName(r.Customer)
}

// ExtractRTUID returns the second comma-separated field of customer. An
// absent or empty field, or the "ID" placeholder, yields fallback.
func ExtractRTUID(customer, fallback string) string {
	parts := strings.Split(customer, ",")
	if len(parts) < 2 {
		return fallback
	}
	id := strings.TrimSpace(parts[1])
	if id == "" || id == placeholderRTUID {
		return fallback
	}
	return id
}

// CustomerName returns the first comma-separated field of customer, or
// UnknownCustomer when it is empty.
func CustomerName(customer string) string {
	name := strings.TrimSpace(strings.Split(customer, ",")[0])
	if name == "" {
		return UnknownCustomer
	}
	return name
}
