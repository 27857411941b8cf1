package reporting_test

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/plantsim/plantsim/pkg/device"
	"github.com/plantsim/plantsim/pkg/reporting"
)

func sampleExport() reporting.Export {
	devices := map[string]reporting.DeviceRecord{
		"modbus_sensors_000": {
			Status: device.Status{
				DeviceID:   "modbus_sensors_000",
				DeviceType: "temperature_sensor",
				Protocol:   "modbus_tcp",
				Status:     "running",
			},
			Data: map[string]any{
				"temperature":    23.5,
				"humidity":       54.2,
				"sensor_healthy": true,
			},
		},
		"mqtt_meters_000": {
			Status: device.Status{
				DeviceID:   "mqtt_meters_000",
				DeviceType: "energy_meter",
				Protocol:   "mqtt",
				Status:     "running",
			},
			Data: map[string]any{
				"power_kw": 4.6,
				"phase":    "L1",
			},
		},
	}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return reporting.NewExport("Test Plant", devices, now)
}

func TestNewExport(t *testing.T) {
	e := sampleExport()
	if e.DeviceCount != 2 {
		t.Errorf("DeviceCount = %d", e.DeviceCount)
	}
	if e.Facility != "Test Plant" {
		t.Errorf("Facility = %q", e.Facility)
	}
	if e.ExportTimestamp != "2025-03-10T12:00:00Z" {
		t.Errorf("ExportTimestamp = %q", e.ExportTimestamp)
	}
}

func TestWriteExportJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := reporting.WriteExport(&buf, sampleExport(), reporting.ExportFormatJSON); err != nil {
		t.Fatal(err)
	}

	var decoded reporting.Export
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if decoded.DeviceCount != 2 || len(decoded.Devices) != 2 {
		t.Errorf("round-trip lost devices: %+v", decoded)
	}
	rec, ok := decoded.Devices["modbus_sensors_000"]
	if !ok {
		t.Fatal("modbus device missing from export")
	}
	if rec.Status.Protocol != "modbus_tcp" || rec.Data["temperature"] != 23.5 {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestWriteExportCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := reporting.WriteExport(&buf, sampleExport(), reporting.ExportFormatCSV); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	// Header plus one row per data field.
	if len(rows) != 1+3+2 {
		t.Fatalf("expected 6 rows, got %d: %v", len(rows), rows)
	}
	header := strings.Join(rows[0], ",")
	if header != "device_id,protocol,device_type,status,field,value" {
		t.Errorf("unexpected header: %s", header)
	}
	// Rows sorted by device id then field; first data row is the modbus
	// device's humidity.
	if rows[1][0] != "modbus_sensors_000" || rows[1][4] != "humidity" || rows[1][5] != "54.2" {
		t.Errorf("unexpected first row: %v", rows[1])
	}
	if rows[3][4] != "temperature" || rows[3][5] != "23.5" {
		t.Errorf("unexpected temperature row: %v", rows[3])
	}
}

func TestWriteExportUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := reporting.WriteExport(&buf, sampleExport(), "xml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
