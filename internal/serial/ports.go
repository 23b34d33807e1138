package serial

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// USB vendor IDs of boards the stage firmware ships on.
var controllerVIDs = map[string]string{
	"16C0": "Teensyduino",
	"2341": "Arduino",
}

// ListPorts returns the serial ports the OS knows about, sorted by name.
// Falls back to device globs when the enumerator comes back empty.
func ListPorts() []PortInfo {
	if ports, err := enumerator.GetDetailedPortsList(); err == nil && len(ports) > 0 {
		out := make([]PortInfo, 0, len(ports))
		seen := make(map[string]struct{}, len(ports))
		for _, p := range ports {
			if p == nil || p.Name == "" {
				continue
			}
			if _, ok := seen[p.Name]; ok {
				continue
			}
			seen[p.Name] = struct{}{}
			out = append(out, PortInfo{
				Name:         p.Name,
				IsUSB:        p.IsUSB,
				VID:          strings.ToUpper(p.VID),
				PID:          strings.ToUpper(p.PID),
				SerialNumber: p.SerialNumber,
				Product:      p.Product,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out
	}

	var names []string
	switch runtime.GOOS {
	case "windows":
		return nil
	case "darwin":
		names = listByGlob("/dev/cu.usbmodem*", "/dev/cu.usbserial*")
	default:
		names = listByGlob("/dev/ttyACM*", "/dev/ttyUSB*")
	}

	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	return out
}

// AutoDetect picks the stage controller among ports. A serial number, when
// given, must match exactly.
func AutoDetect(ports []PortInfo, serialNumber string) (string, error) {
	var candidates []PortInfo
	for _, p := range ports {
		if serialNumber != "" && p.SerialNumber != serialNumber {
			continue
		}
		if isController(p) {
			candidates = append(candidates, p)
		}
	}

	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("no stage controller found among %d ports", len(ports))
	case 1:
		return candidates[0].Name, nil
	default:
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.Name
		}
		return "", fmt.Errorf("multiple stage controllers found: %s", strings.Join(names, ", "))
	}
}

func isController(p PortInfo) bool {
	if _, ok := controllerVIDs[p.VID]; ok {
		return true
	}
	product := strings.ToLower(p.Product)
	return strings.Contains(product, "teensy") || strings.Contains(product, "arduino")
}

func listByGlob(patterns ...string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 8)
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		for _, m := range matches {
			if _, err := os.Stat(m); err != nil {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}
