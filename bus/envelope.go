package bus

import (
	"context"

	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/telemetry"
)

// SendMessage encodes m and sends it on queue with its type, its sender
// and the trace context of ctx as attributes.
func SendMessage(ctx context.Context, q Queue, queue string, m *protocol.Message) (string, error) {
	body, err := m.Encode()
	if err != nil {
		return "", err
	}
	attrs := telemetry.MapCarrier(m.Attributes())
	telemetry.InjectContext(ctx, attrs)
	return q.Send(ctx, queue, body, attrs)
}

// DecodeMessage parses the protocol message carried by msg and keeps its
// attributes in Transport.
func DecodeMessage(msg *Message) (*protocol.Message, error) {
	m, err := protocol.Decode(msg.Body)
	if err != nil {
		return nil, err
	}
	m.Transport = copyAttrs(msg.Attributes)
	return m, nil
}

// MessageContext returns ctx carrying the trace context m was sent with.
func MessageContext(ctx context.Context, m *protocol.Message) context.Context {
	if len(m.Transport) == 0 {
		return ctx
	}
	return telemetry.ExtractContext(ctx, telemetry.MapCarrier(m.Transport))
}
