package telemetry_test

import (
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/eems/pkg/telemetry"
)

var _ = Describe("Reading", func() {
	Describe("ExtractRTUID", func() {
		DescribeTable("should resolve the RTU id from the Customer field",
			func(customer, expected string) {
				Expect(telemetry.ExtractRTUID(customer, telemetry.DefaultRTUID)).To(Equal(expected))
			},
			Entry("named RTU", "Acme,RTU0042,11.0,104.0", "RTU0042"),
			Entry("padded RTU", "Acme, RTU0007 ,11.0,104.0", "RTU0007"),
			Entry("placeholder", "Acme,ID,11.0,104.0", "RTU0001"),
			Entry("empty field", "Acme,,11.0,104.0", "RTU0001"),
			Entry("blank field", "Acme,   ,11.0,104.0", "RTU0001"),
			Entry("single field", "Acme", "RTU0001"),
			Entry("missing customer", "", "RTU0001"),
		)
	})

	Describe("CustomerName", func() {
		DescribeTable("should return the display name",
			func(customer, expected string) {
				Expect(telemetry.CustomerName(customer)).To(Equal(expected))
			},
			Entry("named", "Acme Hotel,RTU0042,11.0,104.0", "Acme Hotel"),
			Entry("padded", "  Acme ,RTU0042", "Acme"),
			Entry("empty name", ",RTU0042,0,0", "Unknown"),
			Entry("missing", "", "Unknown"),
		)
	})

	Describe("Decode", func() {
		It("should decode a full frame", func() {
			frame := []byte(`{
				"Customer": "Acme,RTU0042,11.0,104.0",
				"Main": {"PhaseCurrent": [1.5, 2, 3], "PhaseVoltage": [230, 231, 229], "ActivePower": 12.5, "EnergyMonthly": 100, "EnergyYearly": 1200},
				"Plug": {"ActivePower": 1.25},
				"Alarm": {"Type": "OverCurrent", "Status": true}
			}`)

			reading, err := telemetry.Decode(frame)
			Expect(err).NotTo(HaveOccurred())
			Expect(reading.RTUID(telemetry.DefaultRTUID)).To(Equal("RTU0042"))
			Expect(reading.Main.ActivePower.Float()).To(Equal(12.5))
			Expect(reading.Main.PhaseCurrent[0].Float()).To(Equal(1.5))
			Expect(reading.Main.PhaseVoltage[2].Float()).To(Equal(229.0))
			Expect(reading.Main.EnergyYearly.Float()).To(Equal(1200.0))
			Expect(reading.Alarm.Status).To(BeTrue())
			Expect(reading.Present()).To(Equal([]telemetry.Category{telemetry.Main, telemetry.Plug}))
		})

		It("should coerce malformed numeric fields to zero", func() {
			frame := []byte(`{"Main": {"ActivePower": "n/a", "PowerFactor": null, "EnergyMonthly": "42.5", "PhaseCurrent": "broken", "EnergyYearly": {"x": 1}}}`)

			reading, err := telemetry.Decode(frame)
			Expect(err).NotTo(HaveOccurred())
			Expect(reading.Main.ActivePower.Float()).To(BeZero())
			Expect(reading.Main.PowerFactor.Float()).To(BeZero())
			Expect(reading.Main.EnergyMonthly.Float()).To(Equal(42.5))
			Expect(reading.Main.EnergyYearly.Float()).To(BeZero())
			Expect(reading.Main.PhaseCurrent).To(Equal(telemetry.Triple{}))
		})

		DescribeTable("should coerce non-finite numbers to zero",
			func(value string) {
				reading, err := telemetry.Decode([]byte(`{"Customer": "Acme,RTU0042", "Main": {"ActivePower": ` + value + `, "PhaseVoltage": [` + value + `, 230, 231]}}`))
				Expect(err).NotTo(HaveOccurred())
				Expect(reading.Main.ActivePower.Float()).To(BeZero())
				Expect(reading.Main.PhaseVoltage[0].Float()).To(BeZero())
				Expect(reading.Main.PhaseVoltage[1].Float()).To(Equal(230.0))

				_, err = json.Marshal(reading)
				Expect(err).NotTo(HaveOccurred())
			},
			Entry("NaN", `"NaN"`),
			Entry("Infinity", `"Infinity"`),
			Entry("negative Inf", `"-Inf"`),
			Entry("out of range literal", `1e999`),
		)

		It("should keep a malformed category as an all-zero load", func() {
			reading, err := telemetry.Decode([]byte(`{"Customer": "Acme,RTU0042", "Main": 5, "Plug": "off", "Other": {"ActivePower": 2}}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(reading.Present()).To(Equal([]telemetry.Category{telemetry.Main, telemetry.Plug, telemetry.Other}))
			Expect(*reading.Main).To(Equal(telemetry.Load{}))
			Expect(*reading.Plug).To(Equal(telemetry.Load{}))
			Expect(reading.Other.ActivePower.Float()).To(Equal(2.0))
		})

		It("should leave null categories absent", func() {
			reading, err := telemetry.Decode([]byte(`{"Main": null, "Plug": {"ActivePower": 1}}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(reading.Present()).To(Equal([]telemetry.Category{telemetry.Plug}))
		})

		DescribeTable("should decode alarms leniently",
			func(alarm string, expected telemetry.Alarm) {
				reading, err := telemetry.Decode([]byte(`{"Main": {"ActivePower": 1}, "Alarm": ` + alarm + `}`))
				Expect(err).NotTo(HaveOccurred())
				Expect(reading.Alarm).NotTo(BeNil())
				Expect(*reading.Alarm).To(Equal(expected))
			},
			Entry("well formed", `{"Type": "OverCurrent", "Status": true}`, telemetry.Alarm{Type: "OverCurrent", Status: true}),
			Entry("string status", `{"Type": "OverCurrent", "Status": "true"}`, telemetry.Alarm{Type: "OverCurrent", Status: true}),
			Entry("garbage status", `{"Type": "OverCurrent", "Status": "maybe"}`, telemetry.Alarm{Type: "OverCurrent"}),
			Entry("numeric type", `{"Type": 3, "Status": true}`, telemetry.Alarm{Status: true}),
			Entry("not an object", `"tripped"`, telemetry.Alarm{}),
		)

		It("should default the RTU when Customer is missing", func() {
			reading, err := telemetry.Decode([]byte(`{"Main": {"ActivePower": 1}}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(reading.RTUID(telemetry.DefaultRTUID)).To(Equal(telemetry.DefaultRTUID))
		})

		DescribeTable("should reject frames that are not JSON objects",
			func(frame string) {
				reading, err := telemetry.Decode([]byte(frame))
				Expect(err).To(HaveOccurred())
				Expect(reading).To(BeNil())
			},
			Entry("plain text", "hello meter"),
			Entry("empty", ""),
			Entry("null", "null"),
			Entry("number", "42"),
			Entry("array", `[{"Customer": "Acme,RTU1"}]`),
			Entry("truncated object", `{"Customer": "Acme,RTU1"`),
			Entry("wrong Customer type", `{"Customer": 7}`),
		)

		It("should report non-objects with ErrInvalidFrame", func() {
			_, err := telemetry.Decode([]byte("not json"))
			Expect(errors.Is(err, telemetry.ErrInvalidFrame)).To(BeTrue())
		})
	})

	Describe("WithReceivedAt", func() {
		It("should stamp a copy and leave the original untouched", func() {
			original := &telemetry.Reading{Customer: "Acme,RTU0042"}
			at := time.Date(2026, 1, 24, 10, 0, 0, 0, time.UTC)

			stamped := original.WithReceivedAt(at)
			Expect(stamped.ReceivedAt).To(Equal(at))
			Expect(original.ReceivedAt.IsZero()).To(BeTrue())
		})

		It("should serialise the arrival time as time", func() {
			at := time.Date(2026, 1, 24, 10, 0, 0, 0, time.UTC)
			raw, err := json.Marshal((&telemetry.Reading{Customer: "Acme,RTU0042"}).WithReceivedAt(at))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).To(ContainSubstring(`"time":"2026-01-24T10:00:00Z"`))
		})
	})

	Describe("Zero", func() {
		It("should zero every category and label the customer", func() {
			zero := telemetry.Zero("RTU0042", "Acme")

			Expect(zero.Customer).To(Equal("Acme,RTU0042,0,0"))
			Expect(zero.RTUID(telemetry.DefaultRTUID)).To(Equal("RTU0042"))
			Expect(zero.Present()).To(Equal(telemetry.Categories))
			for _, c := range telemetry.Categories {
				Expect(*zero.Load(c)).To(Equal(telemetry.Load{}))
			}
			Expect(zero.Alarm).To(Equal(&telemetry.Alarm{Type: "OverCurrent", Status: false}))
		})

		It("should fall back to Unknown", func() {
			Expect(telemetry.Zero("RTU0001", "").CustomerName()).To(Equal(telemetry.UnknownCustomer))
		})
	})
})
