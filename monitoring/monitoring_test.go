package monitoring

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewise/ml"
	"pricewise/pricing"
)

func TestMetricsCollectorSummary(t *testing.T) {
	mc := NewMetricsCollector()
	for i := 1; i <= 4; i++ {
		mc.Publish(pricing.Event{
			Type:     pricing.EventPrediction,
			Mode:     string(ml.ModeFineTune),
			Value:    float32(i),
			Version:  "v",
			Attempts: 1,
			Duration: time.Duration(i) * 10 * time.Millisecond,
		})
	}
	mc.Publish(pricing.Event{Type: pricing.EventPrediction, Mode: string(ml.ModeColdTrain), Attempts: 3, Duration: 50 * time.Millisecond})
	mc.Publish(pricing.Event{Type: pricing.EventFailure, ErrorKind: "product_not_found", Duration: time.Millisecond})

	s := mc.Summary()
	assert.Equal(t, int64(5), s.Predictions)
	assert.Equal(t, int64(1), s.Failures)
	assert.Equal(t, int64(2), s.Retries)
	assert.Equal(t, int64(4), s.ByMode["fine-tune"])
	assert.Equal(t, int64(1), s.ByMode["cold-train"])
	assert.Equal(t, int64(1), s.ByErrorKind["product_not_found"])
	assert.Equal(t, 6, s.Latency.Count)
	assert.InDelta(t, 50.0, s.Latency.Max, 1e-9)
	assert.InDelta(t, 151.0/6, s.Latency.Mean, 1e-9)
}

func TestMetricsCollectorLatencyWindow(t *testing.T) {
	mc := NewMetricsCollector()
	for i := 0; i < latencyWindow+10; i++ {
		mc.Publish(pricing.Event{Type: pricing.EventPrediction, Duration: time.Millisecond})
	}
	assert.Equal(t, latencyWindow, mc.Summary().Latency.Count)
}

func TestHubStreamsEvents(t *testing.T) {
	hub := NewHub("*", nil)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// 只订阅训练进度
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Topic: string(EpochProgress)}))
	require.Eventually(t, func() bool { return hub.Stats().ConnectedClients == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	hub.Publish(pricing.Event{Type: pricing.EventPrediction, ProductID: 1})
	hub.OnEpoch(ml.EpochStats{Mode: ml.ModeColdTrain, Epoch: 10, Loss: 0.5})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, EpochProgress, msg.Type)
	assert.NotEmpty(t, msg.ID)

	var stats ml.EpochStats
	require.NoError(t, json.Unmarshal(msg.Data, &stats))
	assert.Equal(t, 10, stats.Epoch)
	assert.Equal(t, ml.ModeColdTrain, stats.Mode)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub("https://shop.example", nil)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	header := map[string][]string{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}
