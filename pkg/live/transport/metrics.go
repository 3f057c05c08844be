package transport

import (
	"context"

	"github.com/vango-go/vai-live/pkg/live/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/vango-go/vai-live/pkg/live/transport"

type clientMetrics struct {
	sent       metric.Int64Counter
	queued     metric.Int64Counter
	received   metric.Int64Counter
	dropped    metric.Int64Counter
	reconnects metric.Int64Counter
}

func newClientMetrics(mp metric.MeterProvider) clientMetrics {
	meter := mp.Meter(instrumentationName)
	return clientMetrics{
		sent:       counter(meter, "vai_live.messages.sent", "Outbound messages written to the connection"),
		queued:     counter(meter, "vai_live.messages.queued", "Outbound messages queued while not connected"),
		received:   counter(meter, "vai_live.events.received", "Inbound events dispatched"),
		dropped:    counter(meter, "vai_live.events.dropped", "Inbound frames dropped as malformed"),
		reconnects: counter(meter, "vai_live.reconnect.attempts", "Scheduled reconnect attempts"),
	}
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func topicAttr(topic protocol.Topic) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic.String()))
}

func (m clientMetrics) addSent(topic protocol.Topic) {
	m.sent.Add(context.Background(), 1, topicAttr(topic))
}

func (m clientMetrics) addQueued(topic protocol.Topic) {
	m.queued.Add(context.Background(), 1, topicAttr(topic))
}

func (m clientMetrics) addReceived(topic protocol.Topic) {
	m.received.Add(context.Background(), 1, topicAttr(topic))
}
