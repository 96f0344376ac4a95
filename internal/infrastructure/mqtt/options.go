package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for a CONNACK.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout bounds a publish when neither the caller's context
	// nor the config carries a deadline.
	defaultPublishTimeout = 10 * time.Second

	// defaultSubscribeTimeout is the maximum time to wait for a SUBACK.
	defaultSubscribeTimeout = 10 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is used when the config leaves keep_alive unset.
	defaultKeepAlive = 60 * time.Second

	// defaultInitialBackoff and defaultMaxBackoff bound the reconnect loop
	// when the config leaves them unset.
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Credentials identify one MQTT session. They are fixed for the lifetime of
// a Client; new credentials mean a new Client.
type Credentials struct {
	// Host is the broker host name (no scheme, no port).
	Host string

	// ClientID is the MQTT client identifier (the device id).
	ClientID string

	Username string
	Password string
}

// HubUsername builds the username an IoT hub expects from a device:
// {host}/{deviceId}/?api-version={version}.
func HubUsername(host, deviceID, apiVersion string) string {
	return fmt.Sprintf("%s/%s/?api-version=%s", host, deviceID, apiVersion)
}

// brokerURL returns the paho broker URL for the given host.
func brokerURL(cfg config.MQTTConfig, host string) string {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, cfg.Port)
}

// buildClientOptions creates paho MQTT options for one device session.
//
// Paho's own auto-reconnect is disabled: the Client runs its own loop so that
// an authorization refusal stops reconnection instead of retrying forever with
// an expired token.
func buildClientOptions(cfg config.MQTTConfig, creds Credentials) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(cfg, creds.Host))
	opts.SetClientID(creds.ClientID)
	opts.SetProtocolVersion(4) // MQTT 3.1.1

	if creds.Username != "" {
		opts.SetUsername(creds.Username)
		opts.SetPassword(creds.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(defaultConnectTimeout)

	keepAlive := defaultKeepAlive
	if cfg.KeepAlive > 0 {
		keepAlive = time.Duration(cfg.KeepAlive) * time.Second
	}
	opts.SetKeepAlive(keepAlive)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
			ServerName: creds.Host,
		})
	}

	return opts
}

// backoff returns the reconnect delay bounds from config.
func backoff(cfg config.MQTTConfig) (initial, maxDelay time.Duration) {
	initial = defaultInitialBackoff
	if cfg.Reconnect.InitialDelay > 0 {
		initial = time.Duration(cfg.Reconnect.InitialDelay) * time.Second
	}
	maxDelay = defaultMaxBackoff
	if cfg.Reconnect.MaxDelay > 0 {
		maxDelay = time.Duration(cfg.Reconnect.MaxDelay) * time.Second
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return initial, maxDelay
}

// nextBackoff doubles d, capped at maxDelay.
func nextBackoff(d, maxDelay time.Duration) time.Duration {
	d *= 2
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// isAuthRefusal reports whether a completed connect token carries a CONNACK
// refusal caused by the credentials.
func isAuthRefusal(token pahomqtt.Token) bool {
	if ct, ok := token.(*pahomqtt.ConnectToken); ok {
		switch ct.ReturnCode() {
		case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised:
			return true
		}
	}
	return isAuthError(token.Error())
}

func isAuthError(err error) bool {
	return errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised)
}
