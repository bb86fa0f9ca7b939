package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// InjectTraceContext returns AMQP headers carrying the current trace
// context. AMQP has no built-in propagation, so the W3C headers travel
// inside the message table and consumers pick the trace up from there.
func InjectTraceContext(ctx context.Context) amqp.Table {
	headers := make(amqp.Table)
	otel.GetTextMapPropagator().Inject(ctx, &AMQPHeadersCarrier{headers: headers})
	return headers
}

// ExtractTraceContext resumes the trace carried in AMQP message headers.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &AMQPHeadersCarrier{headers: headers})
}

// AMQPHeadersCarrier adapts amqp.Table to the OpenTelemetry
// propagation.TextMapCarrier interface.
type AMQPHeadersCarrier struct {
	headers amqp.Table
}

func (c *AMQPHeadersCarrier) Get(key string) string {
	if val, ok := c.headers[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func (c *AMQPHeadersCarrier) Set(key, value string) {
	c.headers[key] = value
}

func (c *AMQPHeadersCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}
