package site

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	blecrypto "github.com/chaz8081/plejd-mqtt/internal/ble/crypto"
	"github.com/chaz8081/plejd-mqtt/internal/mesh"
)

// Site is the part of a Plejd site the bridge needs.
type Site struct {
	ID      string
	Name    string
	MeshKey []byte
	Devices []DeviceInfo
}

// DeviceInfo describes one controllable output or button device.
type DeviceInfo struct {
	MeshID     uint16
	DeviceID   string // cloud device id, the BLE MAC without separators
	Address    string
	Name       string
	Model      string
	Type       mesh.DeviceType
	Dimmable   bool
	HardwareID int
	Firmware   string
	Index      int // output or input index on the physical device
}

// UniqueID is stable across restarts and distinguishes the outputs of a
// multi-channel device.
func (d DeviceInfo) UniqueID() string {
	return fmt.Sprintf("%s_%d", d.DeviceID, d.Index)
}

// MeshDevice converts d into a registry entry.
func (d DeviceInfo) MeshDevice() mesh.Device {
	return mesh.Device{
		ID:       d.MeshID,
		Address:  d.Address,
		Type:     d.Type,
		Name:     d.Name,
		Model:    d.Model,
		Dimmable: d.Dimmable,
	}
}

// MeshDevices returns the registry entries for every device of the site.
func (s *Site) MeshDevices() []mesh.Device {
	out := make([]mesh.Device, 0, len(s.Devices))
	for _, d := range s.Devices {
		out = append(out, d.MeshDevice())
	}
	return out
}

// hardwareModel is what a Plejd hardware id tells us about a device.
type hardwareModel struct {
	name            string
	category        string // light, switch, trigger or sensor
	dimmable        bool
	broadcastClicks bool
}

const categorySensor = "sensor"

var hardwareModels = map[int]hardwareModel{
	1:  {"DIM-01", string(mesh.TypeLight), true, false},
	2:  {"DIM-02", string(mesh.TypeLight), true, false},
	3:  {"CTR-01", string(mesh.TypeLight), false, false},
	4:  {"GWY-01", categorySensor, false, false},
	5:  {"LED-10", string(mesh.TypeLight), true, false},
	6:  {"WPH-01", string(mesh.TypeTrigger), false, true},
	7:  {"REL-01", string(mesh.TypeSwitch), false, false},
	8:  {"SPR-01", string(mesh.TypeSwitch), false, false},
	9:  {"WRT-01", string(mesh.TypeTrigger), false, false},
	10: {"WRT-01", string(mesh.TypeTrigger), false, true},
	11: {"DIM-01", string(mesh.TypeLight), true, false},
	12: {"DAL-01", string(mesh.TypeLight), false, false},
	13: {"Generic", string(mesh.TypeTrigger), false, true},
	14: {"DIM-01", string(mesh.TypeLight), true, false},
	15: {"DIM-02", string(mesh.TypeLight), true, false},
	16: {"-unknown-", string(mesh.TypeTrigger), false, true},
	17: {"REL-01", string(mesh.TypeSwitch), false, false},
	18: {"REL-02", string(mesh.TypeSwitch), false, false},
	19: {"-unknown-", string(mesh.TypeLight), false, false},
	20: {"SPR-01", string(mesh.TypeSwitch), false, false},
}

// traitsNoLoad marks an output with nothing connected.
const traitsNoLoad = 0

type siteDocument struct {
	Site struct {
		Title  string `json:"title"`
		SiteID string `json:"siteId"`
	} `json:"site"`
	PlejdMesh struct {
		CryptoKey string `json:"cryptoKey"`
	} `json:"plejdMesh"`
	Devices []struct {
		DeviceID string `json:"deviceId"`
		Title    string `json:"title"`
		ObjectID string `json:"objectId"`
		Traits   int    `json:"traits"`
	} `json:"devices"`
	PlejdDevices []struct {
		DeviceID string `json:"deviceId"`
		Firmware struct {
			Version string `json:"version"`
		} `json:"firmware"`
	} `json:"plejdDevices"`
	OutputAddress  map[string]map[string]int `json:"outputAddress"`
	DeviceAddress  map[string]int            `json:"deviceAddress"`
	OutputSettings []struct {
		DeviceParseID string `json:"deviceParseId"`
		Output        int    `json:"output"`
	} `json:"outputSettings"`
	InputSettings []struct {
		DeviceID string `json:"deviceId"`
		Input    int    `json:"input"`
	} `json:"inputSettings"`
}

// Parse turns a site document from the cloud (or the cache) into a Site.
// Devices the bridge cannot handle are skipped with a log line.
func Parse(raw []byte) (*Site, error) {
	var doc siteDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	key, err := blecrypto.ParseMeshKey(doc.PlejdMesh.CryptoKey)
	if err != nil {
		return nil, fmt.Errorf("site: mesh key: %w", err)
	}

	firmware := make(map[string]string, len(doc.PlejdDevices))
	for _, d := range doc.PlejdDevices {
		if _, ok := firmware[d.DeviceID]; !ok {
			firmware[d.DeviceID] = d.Firmware.Version
		}
	}

	s := &Site{ID: doc.Site.SiteID, Name: doc.Site.Title, MeshKey: key}
	seen := make(map[uint16]string)
	add := func(d DeviceInfo) {
		if other, dup := seen[d.MeshID]; dup {
			slog.Warn("[SITE] mesh id already used, skipping device", "device", d.Name, "mesh_id", d.MeshID, "used_by", other)
			return
		}
		seen[d.MeshID] = d.Name
		s.Devices = append(s.Devices, d)
	}

	for _, dev := range doc.Devices {
		hwID, ok := doc.DeviceAddress[dev.DeviceID]
		if !ok {
			slog.Warn("[SITE] device has no address, skipping", "device", dev.Title)
			continue
		}
		model, ok := hardwareModels[hwID]
		if !ok {
			slog.Warn("[SITE] unsupported hardware, skipping", "device", dev.Title, "hardware_id", hwID)
			continue
		}
		if model.category == categorySensor {
			slog.Info("[SITE] sensors are not handled, skipping", "device", dev.Title, "model", model.name)
			continue
		}
		fw, ok := firmware[dev.DeviceID]
		if !ok {
			slog.Warn("[SITE] could not determine firmware version", "device", dev.Title)
		}

		info := DeviceInfo{
			DeviceID:   dev.DeviceID,
			Address:    macFromDeviceID(dev.DeviceID),
			Name:       dev.Title,
			Model:      model.name,
			Type:       mesh.DeviceType(model.category),
			Dimmable:   model.dimmable,
			HardwareID: hwID,
			Firmware:   fw,
		}

		if output, ok := outputIndex(&doc, dev.ObjectID); ok {
			if dev.Traits == traitsNoLoad {
				slog.Warn("[SITE] output has no load, skipping", "device", dev.Title)
				continue
			}
			addr, ok := doc.OutputAddress[dev.DeviceID][strconv.Itoa(output)]
			if !ok {
				slog.Warn("[SITE] output has no mesh address, skipping", "device", dev.Title, "output", output)
				continue
			}
			info.MeshID = uint16(addr)
			info.Index = output
			add(info)
			continue
		}

		if input, ok := inputIndex(&doc, dev.DeviceID); ok {
			if !model.broadcastClicks {
				slog.Info("[SITE] input does not broadcast clicks, skipping", "device", dev.Title)
				continue
			}
			info.Type = mesh.TypeTrigger
			info.MeshID = uint16(hwID)
			info.Index = input
			add(info)
			continue
		}

		slog.Warn("[SITE] device is neither output nor input, skipping", "device", dev.Title)
	}
	return s, nil
}

func outputIndex(doc *siteDocument, objectID string) (int, bool) {
	for _, o := range doc.OutputSettings {
		if o.DeviceParseID == objectID {
			return o.Output, true
		}
	}
	return 0, false
}

func inputIndex(doc *siteDocument, deviceID string) (int, bool) {
	for _, in := range doc.InputSettings {
		if in.DeviceID == deviceID {
			return in.Input, true
		}
	}
	return 0, false
}

// macFromDeviceID formats a 12 hex digit cloud device id as a MAC address.
func macFromDeviceID(id string) string {
	id = strings.ToUpper(strings.ReplaceAll(id, ":", ""))
	if len(id) != 12 {
		return ""
	}
	if _, err := strconv.ParseUint(id, 16, 64); err != nil {
		return ""
	}
	parts := make([]string, 6)
	for i := range parts {
		parts[i] = id[2*i : 2*i+2]
	}
	return strings.Join(parts, ":")
}
