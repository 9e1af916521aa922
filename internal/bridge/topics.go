package bridge

import (
	"fmt"
	"strconv"
	"strings"
)

// Topics builds the MQTT topic layout. Devices are addressed by their mesh id:
//
//	<prefix>/<id>/state     retained state JSON
//	<prefix>/<id>/set       commands
//	<prefix>/<id>/ack       command results
//	<prefix>/<id>/trigger   button events
//	<prefix>/bridge/...     availability and health
type Topics struct {
	Prefix          string
	DiscoveryPrefix string
}

func (t Topics) device(id uint16, leaf string) string {
	return fmt.Sprintf("%s/%d/%s", t.Prefix, id, leaf)
}

func (t Topics) State(id uint16) string   { return t.device(id, "state") }
func (t Topics) Set(id uint16) string     { return t.device(id, "set") }
func (t Topics) Ack(id uint16) string     { return t.device(id, "ack") }
func (t Topics) Trigger(id uint16) string { return t.device(id, "trigger") }

// SetFilter matches the set topic of every device.
func (t Topics) SetFilter() string { return t.Prefix + "/+/set" }

func (t Topics) Availability() string { return t.Prefix + "/bridge/availability" }
func (t Topics) Health() string       { return t.Prefix + "/bridge/health" }

// HomeAssistantStatus is where Home Assistant announces its own restarts.
func (t Topics) HomeAssistantStatus() string { return t.DiscoveryPrefix + "/status" }

// Discovery returns the config topic of one Home Assistant entity.
func (t Topics) Discovery(component, node, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", t.DiscoveryPrefix, component, node, objectID)
}

// DeviceFromSetTopic extracts the mesh id from a set topic.
func (t Topics) DeviceFromSetTopic(topic string) (uint16, error) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	idStr, ok := strings.CutSuffix(rest, "/set")
	if !ok || idStr == "" || strings.Contains(idStr, "/") {
		return 0, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	id, err := strconv.ParseUint(idStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	return uint16(id), nil
}
