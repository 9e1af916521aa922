package bridge

import (
	"fmt"

	"github.com/chaz8081/plejd-mqtt/internal/mesh"
)

const manufacturer = "Plejd"

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// entityConfig covers the light and switch components. Fields that do not
// apply to a component are left empty and omitted.
type entityConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	ObjectID          string          `json:"object_id,omitempty"`
	Schema            string          `json:"schema,omitempty"`
	CommandTopic      string          `json:"command_topic"`
	StateTopic        string          `json:"state_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	Brightness        *bool           `json:"brightness,omitempty"`
	BrightnessScale   int             `json:"brightness_scale,omitempty"`
	ColorModes        []string        `json:"supported_color_modes,omitempty"`
	PayloadOn         string          `json:"payload_on,omitempty"`
	PayloadOff        string          `json:"payload_off,omitempty"`
	StateOn           string          `json:"state_on,omitempty"`
	StateOff          string          `json:"state_off,omitempty"`
	ValueTemplate     string          `json:"value_template,omitempty"`
	Device            discoveryDevice `json:"device"`
}

type triggerConfig struct {
	AutomationType string          `json:"automation_type"`
	Topic          string          `json:"topic"`
	Type           string          `json:"type"`
	Subtype        string          `json:"subtype"`
	Payload        string          `json:"payload"`
	ValueTemplate  string          `json:"value_template"`
	Device         discoveryDevice `json:"device"`
}

// discoveryMessage is one retained config publish.
type discoveryMessage struct {
	topic   string
	payload any
}

func (b *Bridge) uniqueID(dev mesh.Device) string {
	return fmt.Sprintf("%s_%d", b.opts.NodeID, dev.ID)
}

func (b *Bridge) discoveryDevice(dev mesh.Device) discoveryDevice {
	return discoveryDevice{
		Identifiers:  []string{b.uniqueID(dev)},
		Name:         dev.Name,
		Manufacturer: manufacturer,
		Model:        dev.Model,
	}
}

// entityDiscovery returns the config for a light or switch, or false for
// devices that are not entities.
func (b *Bridge) entityDiscovery(dev mesh.Device) (discoveryMessage, bool) {
	uid := b.uniqueID(dev)
	cfg := entityConfig{
		Name:              dev.Name,
		UniqueID:          uid,
		ObjectID:          uid,
		CommandTopic:      b.topics.Set(dev.ID),
		StateTopic:        b.topics.State(dev.ID),
		AvailabilityTopic: b.topics.Availability(),
		Device:            b.discoveryDevice(dev),
	}

	switch dev.Type {
	case mesh.TypeLight:
		cfg.Schema = "json"
		dimmable := dev.Dimmable
		cfg.Brightness = &dimmable
		if dev.Dimmable {
			cfg.BrightnessScale = maxBrightness
			cfg.ColorModes = []string{"brightness"}
		} else {
			cfg.ColorModes = []string{"onoff"}
		}
		return discoveryMessage{b.topics.Discovery("light", b.opts.NodeID, uid), cfg}, true
	case mesh.TypeSwitch:
		cfg.PayloadOn = `{"state":"ON"}`
		cfg.PayloadOff = `{"state":"OFF"}`
		cfg.StateOn = stateOn
		cfg.StateOff = stateOff
		cfg.ValueTemplate = "{{ value_json.state }}"
		return discoveryMessage{b.topics.Discovery("switch", b.opts.NodeID, uid), cfg}, true
	}
	return discoveryMessage{}, false
}

// triggerDiscovery returns the device automation config for one button of a
// trigger device.
func (b *Bridge) triggerDiscovery(dev mesh.Device, button uint8) discoveryMessage {
	objectID := fmt.Sprintf("%s_%d", b.uniqueID(dev), button)
	cfg := triggerConfig{
		AutomationType: "trigger",
		Topic:          b.topics.Trigger(dev.ID),
		Type:           "button_short_press",
		Subtype:        fmt.Sprintf("button_%d", button),
		Payload:        fmt.Sprintf("%d:press", button),
		ValueTemplate:  "{{ value_json.button }}:{{ value_json.action }}",
		Device:         b.discoveryDevice(dev),
	}
	return discoveryMessage{b.topics.Discovery("device_automation", b.opts.NodeID, objectID), cfg}
}
