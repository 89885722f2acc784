package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/stationd/stationd/internal/logger"
)

const (
	// SubjectEvents carries outbound events (state changes, shutdown
	// notifications).
	SubjectEvents = "stationd.events"
	// SubjectControl carries inbound control requests.
	SubjectControl = "stationd.control"
)

var _ Bus = (*NATSBus)(nil)

// NATSBus bridges the bus to a NATS server so UIs and operators can run
// out of process. Outbound events go to SubjectEvents; subscribers receive
// control requests from SubjectControl.
type NATSBus struct {
	conn *nats.Conn
}

func ConnectNATS(url string) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("stationd"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.conn.Publish(SubjectEvents, data)
}

func (b *NATSBus) Subscribe(ctx context.Context, handler func(Event)) (func(), error) {
	sub, err := b.conn.Subscribe(SubjectControl, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn(ctx, "Dropping malformed control event", "err", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", SubjectControl, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

// PublishControl sends a control request to a running harness. It is the
// operator-side counterpart of Subscribe.
func (b *NATSBus) PublishControl(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal control event: %w", err)
	}
	if err := b.conn.Publish(SubjectControl, data); err != nil {
		return err
	}
	return b.conn.Flush()
}
