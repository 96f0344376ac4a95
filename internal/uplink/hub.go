package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/FdxDelveloper/iot-walkthrough/internal/identity"
	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/mqtt"
)

// HubDialer opens IoT-hub MQTT sessions: client id is the device id, the
// credential token is the password.
type HubDialer struct {
	cfg    config.MQTTConfig
	logger Logger
}

// NewHubDialer creates a dialer using the cloud MQTT settings.
func NewHubDialer(cfg config.MQTTConfig) *HubDialer {
	return &HubDialer{cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger handed to every session's MQTT client.
func (d *HubDialer) SetLogger(logger Logger) {
	d.logger = logger
}

// Dial connects to endpoint with cred. A broker refusal of the credential
// is returned as ErrAuthRejected.
func (d *HubDialer) Dial(ctx context.Context, endpoint string, cred identity.Credential) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := mqtt.Connect(d.cfg, mqtt.Credentials{
		Host:     endpoint,
		ClientID: cred.DeviceID,
		Username: mqtt.HubUsername(endpoint, cred.DeviceID, d.cfg.APIVersion),
		Password: cred.Token,
	})
	if err != nil {
		return nil, hubError(err)
	}
	client.SetLogger(d.logger)
	logger, deviceID := d.logger, cred.DeviceID
	client.SetOnDisconnect(func(err error) {
		logger.Warn("hub connection lost", "device_id", deviceID, "error", err)
	})
	client.SetOnConnect(func() {
		logger.Info("hub connection restored", "device_id", deviceID)
	})

	s := newHubSession(client, cred.DeviceID, byte(d.cfg.QoS))
	if err := client.Subscribe(s.topics.TwinResponses(), s.qos, s.handleTwinResponse); err != nil {
		client.Close() //nolint:errcheck // Session is being discarded
		return nil, hubError(err)
	}
	return s, nil
}

var (
	_ Dialer    = (*HubDialer)(nil)
	_ Session   = (*hubSession)(nil)
	_ hubClient = (*mqtt.Client)(nil)
)

// hubClient is the part of *mqtt.Client a hub session uses.
type hubClient interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Close() error
}

type twinResponse struct {
	status int
	body   []byte
}

// hubSession is a Session over one MQTT client.
type hubSession struct {
	client hubClient
	topics mqtt.Topics
	qos    byte

	mu      sync.Mutex
	pending map[string]chan twinResponse
}

func newHubSession(client hubClient, deviceID string, qos byte) *hubSession {
	return &hubSession{
		client:  client,
		topics:  mqtt.Topics{DeviceID: deviceID},
		qos:     qos,
		pending: make(map[string]chan twinResponse),
	}
}

func (s *hubSession) Publish(ctx context.Context, payload []byte) error {
	err := s.client.Publish(ctx, s.topics.Telemetry(), payload, s.qos, false)
	if err != nil {
		return hubError(err)
	}
	return nil
}

func (s *hubSession) SubscribeDesired(fn func(doc []byte)) error {
	err := s.client.Subscribe(s.topics.DesiredPatches(), s.qos, func(_ string, payload []byte) error {
		fn(payload)
		return nil
	})
	if err != nil {
		return hubError(err)
	}
	return nil
}

// FetchDesired requests the twin document and returns its "desired"
// section.
func (s *hubSession) FetchDesired(ctx context.Context) ([]byte, error) {
	rid := uuid.NewString()
	ch := make(chan twinResponse, 1)

	s.mu.Lock()
	s.pending[rid] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, rid)
		s.mu.Unlock()
	}()

	if err := s.client.Publish(ctx, s.topics.TwinGet(rid), nil, s.qos, false); err != nil {
		return nil, hubError(err)
	}

	select {
	case resp := <-ch:
		if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
			return nil, fmt.Errorf("%w: twin status %d", ErrAuthRejected, resp.status)
		}
		if resp.status < 200 || resp.status > 299 {
			return nil, fmt.Errorf("%w: status %d", ErrTwinRequest, resp.status)
		}
		return desiredSection(resp.body)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTwinRequest, ctx.Err())
	}
}

// handleTwinResponse routes a twin response to the request waiting for it.
// Responses nobody waits for are ignored.
func (s *hubSession) handleTwinResponse(topic string, payload []byte) error {
	status, rid, ok := mqtt.ParseTwinResponse(topic)
	if !ok {
		return fmt.Errorf("unexpected twin response topic %q", topic)
	}

	s.mu.Lock()
	ch, found := s.pending[rid]
	s.mu.Unlock()
	if !found {
		return nil
	}

	select {
	case ch <- twinResponse{status: status, body: payload}:
	default:
	}
	return nil
}

func (s *hubSession) Close() error {
	//nolint:errcheck // Disconnecting drops the subscriptions anyway
	s.client.Unsubscribe(s.topics.DesiredPatches())
	return s.client.Close()
}

// desiredSection extracts "desired" from a twin document
// ({"desired": {...}, "reported": {...}}).
func desiredSection(body []byte) ([]byte, error) {
	var twin struct {
		Desired json.RawMessage `json:"desired"`
	}
	if err := json.Unmarshal(body, &twin); err != nil {
		return nil, fmt.Errorf("%w: parsing twin: %w", ErrTwinRequest, err)
	}
	if len(twin.Desired) == 0 {
		return []byte("{}"), nil
	}
	return twin.Desired, nil
}

// hubError maps MQTT client errors onto uplink errors.
func hubError(err error) error {
	switch {
	case errors.Is(err, mqtt.ErrNotAuthorized):
		return fmt.Errorf("%w: %w", ErrAuthRejected, err)
	case errors.Is(err, mqtt.ErrNotConnected):
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	default:
		return err
	}
}
