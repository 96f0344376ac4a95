package mqtt

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// IoT hub topic prefixes for device sessions.
const (
	// TopicPrefixDevices is the base for device-to-cloud telemetry.
	TopicPrefixDevices = "devices"

	// TopicPrefixTwin is the base for device twin (desired/reported state) traffic.
	TopicPrefixTwin = "$iothub/twin"
)

// Topics provides builders for one device's IoT hub topics.
//
//	topics := mqtt.Topics{DeviceID: "station-01"}
//	topics.Telemetry()
//	// Returns: "devices/station-01/messages/events/"
type Topics struct {
	DeviceID string
}

// Telemetry returns the device-to-cloud event topic.
//
// Example: devices/station-01/messages/events/
func (t Topics) Telemetry() string {
	return fmt.Sprintf("%s/%s/messages/events/", TopicPrefixDevices, t.DeviceID)
}

// DesiredPatches returns the pattern receiving desired-state patches.
//
// Pattern: $iothub/twin/PATCH/properties/desired/#
func (Topics) DesiredPatches() string {
	return TopicPrefixTwin + "/PATCH/properties/desired/#"
}

// TwinResponses returns the pattern receiving answers to twin requests.
//
// Pattern: $iothub/twin/res/#
func (Topics) TwinResponses() string {
	return TopicPrefixTwin + "/res/#"
}

// TwinGet returns the topic requesting the full twin document.
//
// Example: $iothub/twin/GET/?$rid=7c9e6679
func (Topics) TwinGet(requestID string) string {
	return fmt.Sprintf("%s/GET/?$rid=%s", TopicPrefixTwin, requestID)
}

// ParseTwinResponse extracts the status code and request id from a twin
// response topic such as "$iothub/twin/res/200/?$rid=7c9e6679&$version=4".
func ParseTwinResponse(topic string) (status int, requestID string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixTwin+"/res/")
	if !found {
		return 0, "", false
	}
	code, query, found := strings.Cut(rest, "/?")
	if !found {
		return 0, "", false
	}
	status, err := strconv.Atoi(code)
	if err != nil {
		return 0, "", false
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, "", false
	}
	requestID = values.Get("$rid")
	if requestID == "" {
		return 0, "", false
	}
	return status, requestID, true
}
