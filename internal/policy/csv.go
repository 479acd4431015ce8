package policy

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/baselinelabs/switchboot/internal/store"
)

var csvRequiredFields = []string{"hostname", "mgmt_ip", "mask", "gateway"}

// ParseDevicesCSV reads a header-driven CSV of devices for one job. Rows are
// reported 1-based; a bad row produces an error string and does not block
// the rows around it.
func ParseDevicesCSV(jobID int64, r io.Reader) ([]store.Device, []string) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, []string{fmt.Sprintf("Failed to read CSV header: %v", err)}
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var devices []store.Device
	var errs []string

	for rowNum := 1; ; rowNum++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("Line %d: %v", rowNum, err))
			continue
		}

		row := map[string]string{}
		for i, cell := range record {
			if i >= len(header) {
				break
			}
			if v := strings.TrimSpace(cell); v != "" {
				row[header[i]] = v
			}
		}

		var missing []string
		for _, f := range csvRequiredFields {
			if row[f] == "" {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			errs = append(errs, fmt.Sprintf("Line %d: Missing required fields: %s", rowNum, strings.Join(missing, ", ")))
			continue
		}

		d := store.Device{
			JobID:    jobID,
			Hostname: row["hostname"],
			MgmtIP:   row["mgmt_ip"],
			Mask:     row["mask"],
			Gateway:  row["gateway"],
			Vendor:   row["vendor"],
			Model:    row["model"],
			Status:   "pending",
		}
		if n, ok := digitField(row["port"]); ok {
			d.Port = &n
		}
		if n, ok := digitField(row["mgmt_vlan"]); ok {
			d.MgmtVLAN = &n
		}
		devices = append(devices, d)
	}

	return devices, errs
}

// digitField parses an optional numeric cell, accepting digits only.
func digitField(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
