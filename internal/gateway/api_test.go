package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/eems/internal/gateway"
	"procodus.dev/eems/internal/hub"
	"procodus.dev/eems/internal/ingest"
	"procodus.dev/eems/internal/registry"
	"procodus.dev/eems/pkg/telemetry"
)

const meterFrame = `{"Customer":"Acme Hotel,RTU0042","Main":{"ActivePower":12.5,"EnergyMonthly":100,"EnergyYearly":1000}}`

func decodeBody(resp *http.Response) map[string]any {
	defer resp.Body.Close()
	var out map[string]any
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	return out
}

func get(url string) *http.Response {
	resp, err := http.Get(url)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func post(url, body string) *http.Response {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	return resp
}

var _ = Describe("API", func() {
	var (
		logger  *slog.Logger
		reg     *registry.Registry
		h       *hub.Hub
		handler *ingest.Handler
		api     *gateway.API
		server  *httptest.Server
	)

	BeforeEach(func() {
		logger = slog.New(slog.DiscardHandler)
		reg = registry.New(0)
		h = hub.New(hub.Config{Logger: logger})

		var err error
		handler, err = ingest.New(ingest.Config{
			Logger:   logger,
			Hub:      h,
			Registry: reg,
			Liveness: registry.NewLiveness(),
		})
		Expect(err).NotTo(HaveOccurred())

		api, err = gateway.NewAPI(&gateway.APIConfig{
			Logger:       logger,
			Hub:          h,
			Ingest:       handler,
			Registry:     reg,
			PingInterval: time.Second,
		})
		Expect(err).NotTo(HaveOccurred())

		server = httptest.NewServer(api.Handler())
		DeferCleanup(func() {
			h.Close()
			server.Close()
		})
	})

	Describe("NewAPI", func() {
		DescribeTable("rejects incomplete configuration",
			func(mutate func(*gateway.APIConfig), field string) {
				cfg := &gateway.APIConfig{Logger: logger, Hub: h, Ingest: handler, Registry: reg}
				mutate(cfg)
				api, err := gateway.NewAPI(cfg)
				Expect(err).To(MatchError(ContainSubstring(field)))
				Expect(api).To(BeNil())
			},
			Entry("logger", func(c *gateway.APIConfig) { c.Logger = nil }, "logger"),
			Entry("hub", func(c *gateway.APIConfig) { c.Hub = nil }, "hub"),
			Entry("ingest", func(c *gateway.APIConfig) { c.Ingest = nil }, "ingest"),
			Entry("registry", func(c *gateway.APIConfig) { c.Registry = nil }, "registry"),
		)

		It("rejects a nil config", func() {
			_, err := gateway.NewAPI(nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("GET /", func() {
		It("serves the banner", func() {
			resp := get(server.URL + "/")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decodeBody(resp)
			Expect(body).To(HaveKeyWithValue("success", true))
			Expect(body).To(HaveKeyWithValue("message", "Welcome to EEMS API"))
			Expect(body).To(HaveKeyWithValue("status", "Server is running"))
		})

		It("does not match unknown paths", func() {
			resp := get(server.URL + "/nope")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /health", func() {
		It("reports devices and observers", func() {
			_, err := handler.HandleFrame(context.Background(), []byte(meterFrame))
			Expect(err).NotTo(HaveOccurred())
			sub := h.Subscribe(hub.KindStream)
			defer h.Unsubscribe(sub)

			body := decodeBody(get(server.URL + "/health"))
			Expect(body).To(HaveKeyWithValue("status", "ok"))
			Expect(body).To(HaveKeyWithValue("devices", BeNumerically("==", 1)))
			Expect(body).To(HaveKeyWithValue("observers", BeNumerically("==", 1)))
		})
	})

	Describe("GET /metrics", func() {
		It("serves the Prometheus registry", func() {
			resp := get(server.URL + "/metrics")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("GET /api/energy/message", func() {
		It("returns 404 before any frame arrives", func() {
			resp := get(server.URL + "/api/energy/message")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			body := decodeBody(resp)
			Expect(body).To(HaveKeyWithValue("success", false))
			Expect(body).To(HaveKeyWithValue("message", "No data received yet"))
		})

		It("returns the buffered readings keyed by RTU", func() {
			for range 3 {
				_, err := handler.HandleFrame(context.Background(), []byte(meterFrame))
				Expect(err).NotTo(HaveOccurred())
			}

			resp := get(server.URL + "/api/energy/message")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decodeBody(resp)
			Expect(body).To(HaveKeyWithValue("success", true))
			Expect(body).To(HaveKeyWithValue("count", BeNumerically("==", 1)))
			Expect(body["data"]).To(HaveKeyWithValue("RTU0042", HaveLen(3)))
		})

		It("stays encodable after a frame with non-finite numbers", func() {
			_, err := handler.HandleFrame(context.Background(), []byte(`{"Customer":"Acme,RTU0042","Main":{"ActivePower":"NaN","EnergyYearly":"Infinity"}}`))
			Expect(err).NotTo(HaveOccurred())

			resp := get(server.URL + "/api/energy/message")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decodeBody(resp)
			readings := body["data"].(map[string]any)["RTU0042"].([]any)
			Expect(readings).To(HaveLen(1))
			Expect(readings[0]).To(HaveKeyWithValue("Main", HaveKeyWithValue("ActivePower", BeNumerically("==", 0))))
		})

		It("answers 500 with a JSON error when the snapshot cannot be encoded", func() {
			reg.Record("RTU0042", &telemetry.Reading{
				Customer: "Acme,RTU0042",
				Main:     &telemetry.Load{ActivePower: telemetry.Number(math.NaN())},
			})

			resp := get(server.URL + "/api/energy/message")
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			body := decodeBody(resp)
			Expect(body).To(HaveKeyWithValue("success", false))
			Expect(body).To(HaveKeyWithValue("message", "Failed to encode response"))
		})
	})

	Describe("GET /api/energy/message/{rtu}", func() {
		It("returns 404 for an unknown RTU", func() {
			resp := get(server.URL + "/api/energy/message/RTU9999")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("returns one RTU's history", func() {
			_, err := handler.HandleFrame(context.Background(), []byte(meterFrame))
			Expect(err).NotTo(HaveOccurred())

			body := decodeBody(get(server.URL + "/api/energy/message/RTU0042"))
			Expect(body).To(HaveKeyWithValue("rtu", "RTU0042"))
			Expect(body).To(HaveKeyWithValue("count", BeNumerically("==", 1)))
			Expect(body["data"]).To(HaveLen(1))
		})
	})

	Describe("POST /api/energy/push", func() {
		It("rejects a body that is not JSON", func() {
			resp := post(server.URL+"/api/energy/push", "not json")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects an oversized body", func() {
			big := `"` + strings.Repeat("a", 1<<20) + `"`
			rec := httptest.NewRecorder()
			api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/energy/push", strings.NewReader(big)))
			Expect(rec.Code).To(Equal(http.StatusRequestEntityTooLarge))
		})

		It("relays the body without recording it", func() {
			sub := h.Subscribe(hub.KindStream)
			defer h.Unsubscribe(sub)

			resp := post(server.URL+"/api/energy/push", meterFrame)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(decodeBody(resp)).To(HaveKeyWithValue("delivered", BeNumerically("==", 1)))

			Eventually(sub.C).Should(Receive(MatchJSON(meterFrame)))
			Expect(reg.Len()).To(Equal(0))
		})
	})

	Describe("GET /ws", func() {
		It("requires an upgrade", func() {
			resp := get(server.URL + "/ws")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUpgradeRequired))
			Expect(resp.Header.Get("Upgrade")).To(Equal("websocket"))
		})

		It("ingests frames and relays them to every session", func() {
			wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

			observer, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			defer observer.Close()

			meter, resp2, err := websocket.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp2.Body.Close()
			defer meter.Close()

			Eventually(h.Len).Should(Equal(2))
			Expect(meter.WriteMessage(websocket.TextMessage, []byte(meterFrame))).To(Succeed())

			Expect(observer.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			_, frame, err := observer.ReadMessage()
			Expect(err).NotTo(HaveOccurred())
			Expect(frame).To(MatchJSON(meterFrame))

			Eventually(reg.Len).Should(Equal(1))
			latest, ok := reg.Latest("RTU0042")
			Expect(ok).To(BeTrue())
			Expect(latest.CustomerName()).To(Equal("Acme Hotel"))
		})

		It("relays malformed frames without recording them", func() {
			wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			defer conn.Close()

			Expect(conn.WriteMessage(websocket.TextMessage, []byte("hello"))).To(Succeed())
			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			_, frame, err := conn.ReadMessage()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(frame)).To(Equal("hello"))
			Expect(reg.Len()).To(Equal(0))
		})

		It("drops the subscription when the peer leaves", func() {
			wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Eventually(h.Len).Should(Equal(1))
			Expect(conn.Close()).To(Succeed())
			Eventually(h.Len).Should(BeZero())
		})
	})

	Describe("GET /api/energy/stream", func() {
		It("streams broadcast frames as events", func() {
			resp := get(server.URL + "/api/energy/stream")
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

			reader := bufio.NewReader(resp.Body)
			Expect(reader.ReadString('\n')).To(Equal("event: ready\n"))

			h.Broadcast([]byte("{\n\"a\":1}"))

			lines := readEvent(reader, "telemetry")
			Expect(lines).To(Equal([]string{"data: {", `data: "a":1}`}))
		})
	})
})

// readEvent skips to the named event and returns its data lines.
func readEvent(reader *bufio.Reader, name string) []string {
	var lines []string
	inEvent := false
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return lines
		}
		Expect(err).NotTo(HaveOccurred())
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "event: "+name:
			inEvent = true
		case line == "" && inEvent:
			return lines
		case inEvent:
			lines = append(lines, line)
		}
	}
}
