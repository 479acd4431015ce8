// Package policy holds the pure pre-flight validation applied to device
// records before a run: per-field checks, cross-device duplicate detection
// and subnet mask normalization. Nothing in here touches I/O.
package policy

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/baselinelabs/switchboot/internal/store"
)

var hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9-]{1,63}$`)

const (
	minVLAN = 1
	maxVLAN = 4094
	minPort = 1
	maxPort = 16
)

// ValidationError describes one failed policy rule in operator terms.
type ValidationError struct {
	Field      string `json:"field"`
	DeviceID   int64  `json:"device_id,omitempty"`
	Row        int    `json:"row,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// NormalizeMask accepts a dotted-decimal netmask or a prefix length (with or
// without a leading '/') and returns the dotted-decimal form. Inputs that are
// neither are returned unchanged for the netmask validity check to reject.
func NormalizeMask(mask string) string {
	mask = strings.TrimSpace(mask)
	s := strings.TrimPrefix(mask, "/")
	if prefix, err := strconv.Atoi(s); err == nil && prefix >= 0 && prefix <= 32 {
		return net.IP(net.CIDRMask(prefix, 32)).String()
	}
	return mask
}

// validNetmask reports whether the dotted-decimal string is a contiguous
// IPv4 netmask.
func validNetmask(mask string) bool {
	ip := net.ParseIP(mask)
	if ip == nil {
		return false
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	for prefix := 1; prefix <= 32; prefix++ {
		if net.IP(net.CIDRMask(prefix, 32)).Equal(v4) {
			return true
		}
	}
	return false
}

func parseIPv4(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

// ValidateDevice applies every policy rule to one device in the context of
// all devices of its job. The result is deterministic and independent of the
// order of allDevices.
func ValidateDevice(device store.Device, allDevices []store.Device) []ValidationError {
	var errs []ValidationError

	if !hostnameRE.MatchString(device.Hostname) {
		errs = append(errs, ValidationError{
			Field:      "hostname",
			DeviceID:   device.ID,
			Message:    fmt.Sprintf("Invalid hostname: '%s'. Must be 1-63 chars, alphanumeric or hyphen, no spaces.", device.Hostname),
			Suggestion: "Use something like 'sw-lab-01'.",
		})
	}

	ip := parseIPv4(device.MgmtIP)
	if ip == nil {
		errs = append(errs, ValidationError{
			Field:    "mgmt_ip",
			DeviceID: device.ID,
			Message:  fmt.Sprintf("Invalid IPv4 address: '%s'.", device.MgmtIP),
		})
	}

	normMask := NormalizeMask(device.Mask)
	maskOK := validNetmask(normMask)
	if !maskOK {
		errs = append(errs, ValidationError{
			Field:    "mask",
			DeviceID: device.ID,
			Message:  fmt.Sprintf("Invalid subnet mask: '%s'.", device.Mask),
		})
	}

	if ip != nil && maskOK {
		gw := parseIPv4(device.Gateway)
		if gw == nil {
			errs = append(errs, ValidationError{
				Field:    "gateway",
				DeviceID: device.ID,
				Message:  fmt.Sprintf("Invalid Gateway IPv4: '%s'.", device.Gateway),
			})
		} else {
			maskIP := net.IPMask(parseIPv4(normMask))
			network := &net.IPNet{IP: ip.Mask(maskIP), Mask: maskIP}
			if !network.Contains(gw) {
				errs = append(errs, ValidationError{
					Field:    "gateway",
					DeviceID: device.ID,
					Message:  fmt.Sprintf("Gateway '%s' is not in the same subnet as IP '%s/%s'.", device.Gateway, device.MgmtIP, normMask),
				})
			}
		}
	}

	// Scan peers in ID order so the conflict named in a suggestion does not
	// depend on the order of allDevices.
	byID := append([]store.Device(nil), allDevices...)
	sort.SliceStable(byID, func(i, j int) bool { return byID[i].ID < byID[j].ID })

	for _, other := range byID {
		if other.ID == device.ID {
			continue
		}
		if other.MgmtIP == device.MgmtIP {
			errs = append(errs, ValidationError{
				Field:      "mgmt_ip",
				DeviceID:   device.ID,
				Message:    fmt.Sprintf("Duplicate management IP '%s' found in the same job.", device.MgmtIP),
				Suggestion: fmt.Sprintf("Conflict with device ID %d.", other.ID),
			})
			break
		}
	}

	if device.Port != nil {
		for _, other := range byID {
			if other.ID == device.ID || other.Port == nil {
				continue
			}
			if *other.Port == *device.Port {
				errs = append(errs, ValidationError{
					Field:      "port",
					DeviceID:   device.ID,
					Message:    fmt.Sprintf("Port %d is already assigned to another device in this job.", *device.Port),
					Suggestion: fmt.Sprintf("Conflict with device ID %d.", other.ID),
				})
				break
			}
		}
	}

	if device.MgmtVLAN != nil && (*device.MgmtVLAN < minVLAN || *device.MgmtVLAN > maxVLAN) {
		errs = append(errs, ValidationError{
			Field:    "mgmt_vlan",
			DeviceID: device.ID,
			Message:  fmt.Sprintf("Invalid VLAN: %d. Must be between %d and %d.", *device.MgmtVLAN, minVLAN, maxVLAN),
		})
	}

	if device.Port != nil && (*device.Port < minPort || *device.Port > maxPort) {
		errs = append(errs, ValidationError{
			Field:    "port",
			DeviceID: device.ID,
			Message:  fmt.Sprintf("Invalid port: %d. The controller only exposes ports %d-%d.", *device.Port, minPort, maxPort),
		})
	}

	return errs
}

// ValidateJob aggregates ValidateDevice across every device of a job.
func ValidateJob(devices []store.Device) []ValidationError {
	errs := []ValidationError{}
	for _, d := range devices {
		errs = append(errs, ValidateDevice(d, devices)...)
	}
	return errs
}
