package aggregator_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/eems/internal/aggregator"
	"procodus.dev/eems/internal/registry"
	"procodus.dev/eems/internal/store"
	"procodus.dev/eems/pkg/telemetry"
)

var _ = Describe("Aggregator", func() {
	var (
		ctx  context.Context
		reg  *registry.Registry
		live *registry.Liveness
		st   *recordingStore
		agg  *aggregator.Aggregator
		cfg  aggregator.Config
	)

	record := func(rtuID string, r *telemetry.Reading, when time.Time) {
		live.MarkAlive(rtuID, when)
		reg.Record(rtuID, r.WithReceivedAt(when))
	}

	build := func() {
		var err error
		agg, err = aggregator.New(cfg)
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		ctx = context.Background()
		reg = registry.New(0)
		live = registry.NewLiveness()
		st = newRecordingStore()
		logger, _ := bufferLogger()
		cfg = aggregator.Config{
			Logger:   logger,
			Registry: reg,
			Liveness: live,
			Store:    st,
			Location: ict,
		}
		build()
	})

	Describe("New", func() {
		DescribeTable("should validate the configuration",
			func(mutate func(*aggregator.Config), message string) {
				mutate(&cfg)
				_, err := aggregator.New(cfg)
				Expect(err).To(MatchError(ContainSubstring(message)))
			},
			Entry("missing logger", func(c *aggregator.Config) { c.Logger = nil }, "logger"),
			Entry("missing registry", func(c *aggregator.Config) { c.Registry = nil }, "registry"),
			Entry("missing liveness", func(c *aggregator.Config) { c.Liveness = nil }, "liveness"),
			Entry("missing store", func(c *aggregator.Config) { c.Store = nil }, "store"),
		)
	})

	Describe("ten-minute power snapshot", func() {
		It("should write the latest ActivePower of an online device", func() {
			record("RTU0042", meterReading("Acme,RTU0042", 12.5, 0, 0, telemetry.Main, telemetry.Plug), at(1, 8, 9, 30))

			now := at(1, 8, 10, 0)
			agg.Tick(ctx, now)

			Expect(st.value("Main", "2024-05-01", "RTU0042", "ActivePower", "08:10")).To(Equal(12.5))
			Expect(st.value("Plug", "2024-05-01", "RTU0042", "ActivePower", "08:10")).To(Equal(12.5))
			Expect(st.value("Main", "2024-05-01", "RTU0042", "updatedAt")).To(Equal(now.UTC()))
			Expect(st.value("AirCon", "2024-05-01", "RTU0042")).To(BeNil())
		})

		It("should use the latest reading at tick time", func() {
			record("RTU0042", meterReading("Acme,RTU0042", 1, 0, 0, telemetry.Main), at(1, 8, 9, 10))
			record("RTU0042", meterReading("Acme,RTU0042", 2, 0, 0, telemetry.Main), at(1, 8, 9, 50))

			agg.Tick(ctx, at(1, 8, 10, 0))
			Expect(st.value("Main", "2024-05-01", "RTU0042", "ActivePower", "08:10")).To(Equal(2.0))
		})

		It("should only run on ten-minute boundaries", func() {
			record("RTU0042", meterReading("Acme,RTU0042", 1, 0, 0, telemetry.Main), at(1, 8, 11, 0))
			agg.Tick(ctx, at(1, 8, 11, 10))
			agg.Tick(ctx, at(1, 8, 19, 50))
			Expect(st.commitsFor("RTU0042")).To(Equal(0))
		})

		It("should write once per slot however many ticks land in it", func() {
			record("RTU0042", meterReading("Acme,RTU0042", 1, 0, 0, telemetry.Main), at(1, 8, 9, 50))

			for s := 0; s < 60; s += 10 {
				agg.Tick(ctx, at(1, 8, 10, s))
			}
			Expect(st.commitsFor("RTU0042")).To(Equal(1))

			record("RTU0042", meterReading("Acme,RTU0042", 3, 0, 0, telemetry.Main), at(1, 8, 19, 50))
			agg.Tick(ctx, at(1, 8, 20, 0))
			Expect(st.commitsFor("RTU0042")).To(Equal(2))
			Expect(st.value("Main", "2024-05-01", "RTU0042", "ActivePower", "08:10")).To(Equal(1.0))
			Expect(st.value("Main", "2024-05-01", "RTU0042", "ActivePower", "08:20")).To(Equal(3.0))
		})

		It("should zero-fill a device that has been silent for more than the timeout", func() {
			logger, logs := bufferLogger()
			cfg.Logger = logger
			build()

			record("RTU0042", meterReading("Acme Hotel,RTU0042,11,104", 9, 0, 0, telemetry.Main), at(1, 8, 9, 0))
			agg.Tick(ctx, at(1, 8, 10, 1))

			for _, c := range telemetry.Categories {
				Expect(st.value(string(c), "2024-05-01", "RTU0042", "ActivePower", "08:10")).To(Equal(0.0), string(c))
			}
			Expect(logs.String()).To(ContainSubstring(`"customer":"Acme Hotel"`))
		})

		It("should keep a device online at 59 seconds of silence", func() {
			record("RTU0042", meterReading("Acme,RTU0042", 9, 0, 0, telemetry.Main), at(1, 8, 9, 1))
			agg.Tick(ctx, at(1, 8, 10, 0))

			Expect(st.value("Main", "2024-05-01", "RTU0042", "ActivePower", "08:10")).To(Equal(9.0))
			Expect(st.value("AirCon", "2024-05-01", "RTU0042")).To(BeNil())
		})

		It("should write a zero reading for the default RTU when no device was ever seen", func() {
			agg.Tick(ctx, at(1, 8, 10, 0))

			for _, c := range telemetry.Categories {
				Expect(st.value(string(c), "2024-05-01", "RTU0001", "ActivePower", "08:10")).To(Equal(0.0))
			}
			agg.Tick(ctx, at(1, 8, 10, 10))
			Expect(st.commitsFor("RTU0001")).To(Equal(1))
		})

		It("should use the configured default RTU", func() {
			cfg.DefaultRTUID = "RTU9000"
			build()
			agg.Tick(ctx, at(1, 8, 10, 0))
			Expect(st.commitsFor("RTU9000")).To(Equal(1))
		})

		It("should retry a failed write on the next tick in the same slot", func() {
			record("RTU0042", meterReading("Acme,RTU0042", 4, 0, 0, telemetry.Main), at(1, 8, 9, 50))

			st.fail(errors.New("unavailable"))
			agg.Tick(ctx, at(1, 8, 10, 0))
			Expect(st.commitsFor("RTU0042")).To(Equal(0))

			st.fail(nil)
			agg.Tick(ctx, at(1, 8, 10, 10))
			Expect(st.commitsFor("RTU0042")).To(Equal(1))
		})

		It("should log quota errors as warnings", func() {
			logger, logs := bufferLogger()
			cfg.Logger = logger
			build()

			record("RTU0042", meterReading("Acme,RTU0042", 4, 0, 0, telemetry.Main), at(1, 8, 9, 50))
			st.fail(fmt.Errorf("commit batch: %w", store.ErrQuotaExceeded))
			agg.Tick(ctx, at(1, 8, 10, 0))

			Expect(logs.String()).To(ContainSubstring(`"level":"WARN","msg":"store quota exceeded, will retry"`))
			Expect(logs.String()).NotTo(ContainSubstring(`"level":"ERROR"`))
		})

		It("should isolate a panicking device from the others", func() {
			record("RTU0001", meterReading("A,RTU0001", 1, 0, 0, telemetry.Main), at(1, 8, 9, 50))
			record("RTU0002", meterReading("B,RTU0002", 2, 0, 0, telemetry.Main), at(1, 8, 9, 50))
			st.panicFor = "RTU0001"

			Expect(func() { agg.Tick(ctx, at(1, 8, 10, 0)) }).NotTo(Panic())
			Expect(st.commitsFor("RTU0002")).To(Equal(1))

			st.panicFor = ""
			agg.Tick(ctx, at(1, 8, 10, 10))
			Expect(st.commitsFor("RTU0001")).To(Equal(1))
		})
	})

	Describe("daily energy rollup", func() {
		var window time.Time

		BeforeEach(func() {
			window = at(1, 23, 59, 55)
		})

		It("should do nothing outside the daily window", func() {
			record("RTU0042", meterReading("Acme,RTU0042", 0, 10, 100, telemetry.Main), at(1, 23, 59, 45))
			agg.Tick(ctx, at(1, 23, 59, 49))
			agg.SnapshotDaily(ctx, "RTU0042", meterReading("Acme,RTU0042", 0, 10, 100, telemetry.Main), at(2, 0, 0, 0))
			Expect(st.commitsFor("RTU0042")).To(Equal(0))
		})

		It("should write the energy counters of every known device", func() {
			record("RTU0042", meterReading("Acme,RTU0042", 0, 10, 100, telemetry.Main, telemetry.AirCon), at(1, 23, 59, 40))

			agg.Tick(ctx, window)

			Expect(st.value("Main", "2024-05-01", "RTU0042", "energy", "monthly")).To(Equal(10.0))
			Expect(st.value("Main", "2024-05-01", "RTU0042", "energy", "yearly")).To(Equal(100.0))
			Expect(st.value("AirCon", "2024-05-01", "RTU0042", "energy", "yearly")).To(Equal(100.0))
			Expect(st.value("Main", "2024-05-01", "RTU0042", "timestamp")).To(Equal(window.UTC()))
			Expect(st.value("Main", "2024-05-01", "RTU0042", "energy", "daily")).To(BeNil())
		})

		It("should write from ingress with the arriving reading", func() {
			fresh := meterReading("Acme,RTU0042", 0, 11, 111, telemetry.Main)
			record("RTU0042", fresh, window)

			agg.SnapshotDaily(ctx, "RTU0042", fresh, window)
			Expect(st.value("Main", "2024-05-01", "RTU0042", "energy", "yearly")).To(Equal(111.0))
		})

		It("should write once per day across timer and ingress triggers", func() {
			fresh := meterReading("Acme,RTU0042", 0, 11, 111, telemetry.Main)
			record("RTU0042", fresh, window)

			agg.SnapshotDaily(ctx, "RTU0042", fresh, window)
			agg.Tick(ctx, window.Add(time.Second))
			agg.SnapshotDaily(ctx, "RTU0042", fresh, window.Add(2*time.Second))
			Expect(st.commitsFor("RTU0042")).To(Equal(1))
		})

		It("should treat an existing durable record as committed after a restart", func() {
			record("RTU0042", meterReading("Acme,RTU0042", 0, 10, 100, telemetry.Main), window)
			agg.Tick(ctx, window)
			Expect(st.commitsFor("RTU0042")).To(Equal(1))

			// A new aggregator has no markers; only the durable read stops it.
			build()
			record("RTU0042", meterReading("Acme,RTU0042", 0, 20, 200, telemetry.Main), window.Add(time.Second))
			agg.Tick(ctx, window.Add(2*time.Second))

			Expect(st.commitsFor("RTU0042")).To(Equal(1))
			Expect(st.value("Main", "2024-05-01", "RTU0042", "energy", "yearly")).To(Equal(100.0))
		})

		It("should probe the first category about to be written", func() {
			Expect(st.Commit(ctx, []store.Update{{
				Doc:   store.DocRef{Collection: "Plug", ID: "2024-05-01"},
				Path:  []string{"RTU0042", "energy", "yearly"},
				Value: 5.0,
			}})).To(Succeed())

			record("RTU0042", meterReading("Acme,RTU0042", 0, 10, 100, telemetry.Plug), window)
			agg.Tick(ctx, window)

			Expect(st.gets).To(ContainElement(store.DocRef{Collection: "Plug", ID: "2024-05-01"}))
			Expect(st.value("Plug", "2024-05-01", "RTU0042", "energy", "yearly")).To(Equal(5.0))
		})

		It("should write a zero reading for an offline device", func() {
			record("RTU0042", meterReading("Acme,RTU0042", 0, 10, 100, telemetry.Main), at(1, 23, 50, 0))
			agg.Tick(ctx, window)

			for _, c := range telemetry.Categories {
				Expect(st.value(string(c), "2024-05-01", "RTU0042", "energy", "yearly")).To(Equal(0.0))
			}
		})

		It("should retry after a failed write", func() {
			record("RTU0042", meterReading("Acme,RTU0042", 0, 10, 100, telemetry.Main), window)

			st.fail(errors.New("unavailable"))
			agg.Tick(ctx, window)
			st.fail(nil)
			agg.Tick(ctx, window.Add(time.Second))

			Expect(st.commitsFor("RTU0042")).To(Equal(1))
		})

		Context("with delta energy", func() {
			BeforeEach(func() {
				reducer, err := aggregator.NewEnergyReducer(aggregator.EnergyDelta)
				Expect(err).NotTo(HaveOccurred())
				cfg.Reducer = reducer
				build()
			})

			It("should store the growth of the yearly counter since yesterday", func() {
				Expect(st.Commit(ctx, []store.Update{{
					Doc:   store.DocRef{Collection: "Main", ID: "2024-04-30"},
					Path:  []string{"RTU0042", "energy", "yearly"},
					Value: 100.0,
				}})).To(Succeed())

				record("RTU0042", meterReading("Acme,RTU0042", 0, 10, 130, telemetry.Main), window)
				agg.Tick(ctx, window)

				Expect(st.value("Main", "2024-05-01", "RTU0042", "energy", "daily")).To(Equal(30.0))
				Expect(st.value("Main", "2024-05-01", "RTU0042", "energy", "yearly")).To(Equal(130.0))
			})

			It("should store zero without a previous day", func() {
				record("RTU0042", meterReading("Acme,RTU0042", 0, 10, 130, telemetry.Main), window)
				agg.Tick(ctx, window)
				Expect(st.value("Main", "2024-05-01", "RTU0042", "energy", "daily")).To(Equal(0.0))
			})

			It("should not go negative when the counter resets", func() {
				Expect(st.Commit(ctx, []store.Update{{
					Doc:   store.DocRef{Collection: "Main", ID: "2024-04-30"},
					Path:  []string{"RTU0042", "energy", "yearly"},
					Value: 500.0,
				}})).To(Succeed())

				record("RTU0042", meterReading("Acme,RTU0042", 0, 1, 3, telemetry.Main), window)
				agg.Tick(ctx, window)
				Expect(st.value("Main", "2024-05-01", "RTU0042", "energy", "daily")).To(Equal(0.0))
			})
		})
	})

	Describe("Run", func() {
		It("should tick for every value until the context is cancelled", func() {
			ticks := make(chan time.Time)
			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- agg.Run(runCtx, ticks) }()

			ticks <- at(1, 8, 10, 0)
			ticks <- at(1, 8, 20, 0)
			Eventually(func() int { return st.commitsFor("RTU0001") }).Should(Equal(2))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})

		It("should stop when the tick source closes", func() {
			ticks := make(chan time.Time)
			close(ticks)
			Expect(agg.Run(ctx, ticks)).To(Succeed())
		})
	})
})
