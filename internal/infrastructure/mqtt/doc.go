// Package mqtt provides the MQTT device session used for cloud telemetry.
//
// This package manages:
//   - One authenticated session per Client (client id, username, token password)
//   - Message publishing bounded by a context deadline
//   - Topic subscriptions restored across reconnects
//   - Reconnection with exponential backoff that stops when the broker
//     refuses the credentials
//   - IoT hub topic builders (telemetry, desired-state patches, twin requests)
//
// # Credential lifecycle
//
// Tokens expire. When the broker drops a session and then refuses the
// reconnect with "not authorised" or "bad user name or password", the Client
// stops retrying and reports ErrNotAuthorized from Publish and HealthCheck.
// The owner issues fresh credentials and opens a new Client.
//
// # Security Considerations
//
//   - TLS is on by default (cloud.tls); the server name is the hub host
//   - Passwords are short-lived tokens and are never logged
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.Cloud, mqtt.Credentials{
//	    Host:     host,
//	    ClientID: deviceID,
//	    Username: mqtt.HubUsername(host, deviceID, cfg.Cloud.APIVersion),
//	    Password: token,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{DeviceID: deviceID}
//	err = client.Publish(ctx, topics.Telemetry(), payload, 1, false)
package mqtt
