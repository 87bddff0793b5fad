package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nugget/gdo/internal/buildinfo"
)

// DeviceID derives the stable Home Assistant device identifier from the
// hostname. The same hostname always yields the same ID, so nothing has
// to be stored on the device.
func DeviceID(hostname string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname)).String()
}

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload, so HA groups the door's entities under one
// device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// NewDeviceInfo returns the device block for deviceID.
func NewDeviceInfo(deviceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{deviceID},
		Name:         deviceName,
		Manufacturer: "gdo",
		Model:        "Garage Door Opener",
		SWVersion:    buildinfo.Version,
	}
}

// EntityConfig is the JSON payload of an HA MQTT discovery message. The
// same shape serves the sensor, binary_sensor, and button components;
// fields a component does not use are omitted.
type EntityConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic,omitempty"`
	CommandTopic      string     `json:"command_topic,omitempty"`
	PayloadPress      string     `json:"payload_press,omitempty"`
	PayloadOn         string     `json:"payload_on,omitempty"`
	PayloadOff        string     `json:"payload_off,omitempty"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	DeviceClass       string     `json:"device_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
}

// DiscoveryTopics are the device topics advertised to Home Assistant.
type DiscoveryTopics struct {
	Prefix       string
	Node         string
	Availability string
	Temperature  string
	Door         string
	Command      string
}

// DiscoveryMessages builds the retained discovery config messages for
// the temperature sensor, the door contact, and the toggle button.
func DiscoveryMessages(t DiscoveryTopics, device DeviceInfo, unit string) ([]Message, error) {
	id := device.Identifiers[0]

	entities := []struct {
		component string
		object    string
		config    EntityConfig
	}{
		{
			component: "sensor",
			object:    "temperature",
			config: EntityConfig{
				Name:              device.Name + " Temperature",
				UniqueID:          id + "_temperature",
				StateTopic:        t.Temperature,
				DeviceClass:       "temperature",
				UnitOfMeasurement: unit,
				StateClass:        "measurement",
			},
		},
		{
			component: "binary_sensor",
			object:    "door",
			config: EntityConfig{
				Name:        device.Name,
				UniqueID:    id + "_door",
				StateTopic:  t.Door,
				PayloadOn:   "Open",
				PayloadOff:  "Closed",
				DeviceClass: "garage_door",
			},
		},
		{
			component: "button",
			object:    "toggle",
			config: EntityConfig{
				Name:         device.Name + " Toggle",
				UniqueID:     id + "_toggle",
				CommandTopic: t.Command,
				PayloadPress: "TOGGLE",
				Icon:         "mdi:garage-variant",
			},
		},
	}

	msgs := make([]Message, 0, len(entities))
	for _, e := range entities {
		e.config.AvailabilityTopic = t.Availability
		e.config.Device = device

		payload, err := json.Marshal(e.config)
		if err != nil {
			return nil, fmt.Errorf("marshal %s discovery payload: %w", e.object, err)
		}
		msgs = append(msgs, Message{
			Topic:   t.Prefix + "/" + e.component + "/" + t.Node + "/" + e.object + "/config",
			Payload: payload,
		})
	}
	return msgs, nil
}
