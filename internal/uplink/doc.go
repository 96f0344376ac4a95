// Package uplink sends weather-station telemetry to the cloud and receives
// remote configuration (desired state) from it.
//
// The uplink owns exactly one Session at a time, opened with a Credential
// issued by the device identity. Sessions are replaced, never patched:
//
//	Disconnected -> Connecting -> Connected
//	                    ^             |
//	                    +- AuthFailed <+ (credential rejected)
//
// When a send is rejected with ErrAuthRejected the uplink issues a new
// credential, opens a new session and retries the send once. A second
// failure is returned as ErrPublishFailed.
//
// Opening a session subscribes to desired-state patches first and then
// fetches the full desired-state snapshot. Both go through one serialized
// apply path guarded by the document "$version", so a patch that arrives
// before the snapshot reply is never rolled back by it.
//
// HubDialer implements sessions over MQTT against an IoT-hub style broker:
//
//	telemetry         devices/{id}/messages/events/
//	desired patches   $iothub/twin/PATCH/properties/desired/#
//	snapshot request  $iothub/twin/GET/?$rid={rid}
//	snapshot reply    $iothub/twin/res/{status}/?$rid={rid}
package uplink
