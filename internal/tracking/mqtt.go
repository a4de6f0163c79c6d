package tracking

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/models"
)

// mqttTopicPrefix is the namespace in-app sessions publish location/action
// events under; the trailing segment is the publishing user's username.
const mqttTopicPrefix = "canvass/tracking/"

// mqttPayload is the wire shape of an MQTT-published live event: the same
// fields IngestLive needs, plus the authenticated userID since the broker
// does not authenticate beyond the per-user topic ACL.
type mqttPayload struct {
	UserID      string          `json:"userId"`
	Username    string          `json:"username"`
	TimestampMs int64           `json:"timestampMs"`
	LogType     string          `json:"logType"`
	Data        json.RawMessage `json:"data"`
}

// MQTTBridge subscribes to the live-tracking topic and feeds every message
// into the shared Ingestor, converging with the HTTP live-push path.
type MQTTBridge struct {
	client   mqtt.Client
	ing      *Ingestor
	messages *prometheus.CounterVec
	logger   *zap.Logger
}

// NewMQTTBridge connects to a broker at brokerURL using clientID, ready to
// subscribe with Start. messages may be nil when metrics are not wired.
func NewMQTTBridge(brokerURL, clientID, username, password string, ing *Ingestor, messages *prometheus.CounterVec, logger *zap.Logger) (*MQTTBridge, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second)

	bridge := &MQTTBridge{ing: ing, messages: messages, logger: logger}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("tracking: mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("tracking: mqtt connected")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, eris.Wrap(token.Error(), "tracking: mqtt connect")
	}
	bridge.client = client
	return bridge, nil
}

// Start subscribes to every user's live-tracking topic with a wildcard.
func (b *MQTTBridge) Start() error {
	topic := mqttTopicPrefix + "+"
	token := b.client.Subscribe(topic, 1, b.handleMessage)
	token.Wait()
	return token.Error()
}

func (b *MQTTBridge) count(outcome string) {
	if b.messages != nil {
		b.messages.WithLabelValues(outcome).Inc()
	}
}

func (b *MQTTBridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var payload mqttPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		b.count("malformed")
		b.logger.Warn("tracking: discarding malformed mqtt payload", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	if payload.UserID == "" {
		b.count("malformed")
		b.logger.Warn("tracking: discarding mqtt payload with no userId", zap.String("topic", msg.Topic()))
		return
	}

	entry := models.LogEntry{
		UserID:      payload.UserID,
		Username:    payload.Username,
		TimestampMs: payload.TimestampMs,
		LogType:     models.LogType(payload.LogType),
		Data:        payload.Data,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.ing.IngestLive(ctx, payload.UserID, payload.Username, entry); err != nil {
		b.count("error")
		b.logger.Error("tracking: mqtt ingest failed", zap.Error(err))
		return
	}
	b.count("ok")
}

// Stop disconnects the MQTT client, waiting up to 250ms for in-flight work.
func (b *MQTTBridge) Stop() {
	if b.client != nil {
		b.client.Disconnect(250)
	}
}
