package mqtt

import (
	"context"
	"fmt"
	"time"
)

// Maximum payload size for MQTT messages (256KB, the IoT hub device-to-cloud limit).
const maxPayloadSize = 256 << 10

// Publish sends a message to the specified MQTT topic and waits for the
// broker acknowledgment (QoS 1/2) or for ctx to end.
//
// When ctx has no deadline, the configured publish timeout applies.
//
// Returns ErrNotAuthorized if the session lost its connection and the broker
// then refused the credentials, ErrNotConnected for any other disconnect, and
// ErrPublishFailed (wrapping the cause) when the publish itself fails.
//
// Example:
//
//	topic := mqtt.Topics{DeviceID: id}.Telemetry()
//	err := client.Publish(ctx, topic, payload, 1, false)
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if err := c.connError(); err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.publishTimeout())
		defer cancel()
	}

	token := c.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		if isAuthError(err) {
			return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
		}
		// A publish can fail because the connection dropped underneath it.
		if cerr := c.connError(); cerr != nil {
			return fmt.Errorf("%w: %w", cerr, err)
		}
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

func (c *Client) publishTimeout() time.Duration {
	if c.cfg.PublishTimeout > 0 {
		return time.Duration(c.cfg.PublishTimeout) * time.Second
	}
	return defaultPublishTimeout
}
