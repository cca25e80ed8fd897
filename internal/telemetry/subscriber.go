package telemetry

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"cnc-monitor-backend/internal/logger"
	"cnc-monitor-backend/internal/metrics"
)

// Subscriber decodes telemetry messages and hands them to an Ingestor.
type Subscriber struct {
	ctx      context.Context
	topic    string
	qos      byte
	ingestor *Ingestor
}

// NewSubscriber creates a subscriber for topic. ctx bounds the lifetime of
// every submitted report.
func NewSubscriber(ctx context.Context, topic string, qos byte, in *Ingestor) *Subscriber {
	return &Subscriber{ctx: ctx, topic: topic, qos: qos, ingestor: in}
}

// Subscribe registers the message handler on client.
func (s *Subscriber) Subscribe(client mqtt.Client) error {
	token := client.Subscribe(s.topic, s.qos, s.HandleMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.topic, token.Error())
	}
	logger.Info("subscribed to telemetry", "topic", s.topic, "qos", s.qos)
	return nil
}

// OnConnect is suitable as the client's on-connect hook.
func (s *Subscriber) OnConnect(client mqtt.Client) {
	if err := s.Subscribe(client); err != nil {
		logger.Error("telemetry subscription failed", "error", err)
	}
}

// HandleMessage decodes one message. Malformed payloads are dropped.
func (s *Subscriber) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	report, err := Decode(msg.Topic(), msg.Payload())
	if err != nil {
		metrics.TelemetryMessages.WithLabelValues("malformed").Inc()
		logger.Debug("dropping telemetry", "topic", msg.Topic(), "error", err)
		return
	}
	s.ingestor.Submit(s.ctx, report)
}
