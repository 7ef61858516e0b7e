// Package generator produces plausible energy meter readings for the
// simulator and for tests.
package generator

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/eems/pkg/telemetry"
)

// shares splits the Main load across the sub-meters.
var shares = map[telemetry.Category]float64{
	telemetry.AirCon:   0.5,
	telemetry.Lighting: 0.2,
	telemetry.Plug:     0.2,
	telemetry.Other:    0.1,
}

// Profile describes a simulated site.
type Profile struct {
	Customer    string  `fake:"{company}"`
	City        string  `fake:"{city}"`
	RTUID       string  `fake:"skip"`
	BaseLoad    float64 `fake:"skip"` // kW drawn overnight
	PeakLoad    float64 `fake:"skip"` // kW drawn mid-afternoon
	Voltage     float64 `fake:"skip"` // phase voltage
	PowerFactor float64 `fake:"skip"`
}

// Meter generates readings for one RTU and accumulates its energy
// counters between calls. It is not safe for concurrent use.
type Meter struct {
	faker   *gofakeit.Faker
	last    time.Time
	monthly map[telemetry.Category]float64
	yearly  map[telemetry.Category]float64
	Profile Profile
}

// RTUID formats the identifier of the n-th simulated RTU.
func RTUID(n int) string {
	return fmt.Sprintf("RTU%04d", n)
}

// NewMeter creates a meter with a random profile. A zero seed picks a
// random one.
func NewMeter(rtuID string, seed uint64) *Meter {
	faker := gofakeit.New(seed)

	var p Profile
	if err := faker.Struct(&p); err != nil {
		p.Customer = "Simulated Site"
	}
	// Commas delimit the RTU id in the Customer field.
	p.Customer = strings.ReplaceAll(p.Customer, ",", "")
	p.City = strings.ReplaceAll(p.City, ",", "")
	p.RTUID = rtuID
	p.BaseLoad = faker.Float64Range(2, 8)
	p.PeakLoad = p.BaseLoad + faker.Float64Range(10, 40)
	p.Voltage = faker.Float64Range(220, 235)
	p.PowerFactor = faker.Float64Range(0.85, 0.98)

	return &Meter{
		faker:   faker,
		Profile: p,
		monthly: make(map[telemetry.Category]float64),
		yearly:  make(map[telemetry.Category]float64),
	}
}

// Customer returns the value sent in the Customer field, which carries
// the RTU id as its second comma-separated part.
func (m *Meter) Customer() string {
	return m.Profile.Customer + " " + m.Profile.City + "," + m.Profile.RTUID
}

// Power returns the total active power at t, following a daily cycle
// that peaks mid-afternoon.
func (m *Meter) Power(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	cycle := math.Max(0, math.Sin((hour-6)*math.Pi/12))
	noise := m.faker.Float64Range(-0.05, 0.05) * m.Profile.BaseLoad
	return math.Max(0, m.Profile.BaseLoad+(m.Profile.PeakLoad-m.Profile.BaseLoad)*cycle+noise)
}

// Reading returns the reading at t. Energy counters grow with the power
// drawn since the previous call and reset at month and year boundaries.
func (m *Meter) Reading(t time.Time) *telemetry.Reading {
	total := m.Power(t)

	if !m.last.IsZero() {
		if t.Year() != m.last.Year() {
			clear(m.yearly)
		}
		if t.Year() != m.last.Year() || t.Month() != m.last.Month() {
			clear(m.monthly)
		}
	}

	var hours float64
	if !m.last.IsZero() && t.After(m.last) {
		hours = t.Sub(m.last).Hours()
	}
	m.last = t

	r := &telemetry.Reading{
		Customer: m.Customer(),
		Alarm:    &telemetry.Alarm{Type: "None"},
	}
	for _, c := range telemetry.Categories {
		power := total
		if share, ok := shares[c]; ok {
			power = total * share
		}
		m.monthly[c] += power * hours
		m.yearly[c] += power * hours
		setLoad(r, c, m.load(c, power))
	}

	if m.faker.Float64() < 0.01 {
		r.Alarm = &telemetry.Alarm{Type: "OverCurrent", Status: true}
	}
	return r
}

// Frame returns the JSON frame for the reading at t.
func (m *Meter) Frame(t time.Time) ([]byte, error) {
	return json.Marshal(m.Reading(t))
}

func (m *Meter) load(c telemetry.Category, power float64) *telemetry.Load {
	pf := m.Profile.PowerFactor
	apparent := power / pf
	reactive := math.Sqrt(math.Max(0, apparent*apparent-power*power))
	current := power * 1000 / (3 * m.Profile.Voltage * pf)

	var voltage, amps telemetry.Triple
	for i := range 3 {
		voltage[i] = telemetry.Number(round(m.Profile.Voltage+m.faker.Float64Range(-2, 2), 1))
		amps[i] = telemetry.Number(round(current*m.faker.Float64Range(0.95, 1.05), 2))
	}

	return &telemetry.Load{
		PhaseVoltage:  voltage,
		PhaseCurrent:  amps,
		ActivePower:   telemetry.Number(round(power, 3)),
		ReactivePower: telemetry.Number(round(reactive, 3)),
		ApparentPower: telemetry.Number(round(apparent, 3)),
		PowerFactor:   telemetry.Number(round(pf, 2)),
		EnergyMonthly: telemetry.Number(round(m.monthly[c], 3)),
		EnergyYearly:  telemetry.Number(round(m.yearly[c], 3)),
	}
}

func setLoad(r *telemetry.Reading, c telemetry.Category, l *telemetry.Load) {
	switch c {
	case telemetry.Main:
		r.Main = l
	case telemetry.AirCon:
		r.AirCon = l
	case telemetry.Lighting:
		r.Lighting = l
	case telemetry.Plug:
		r.Plug = l
	case telemetry.Other:
		r.Other = l
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
