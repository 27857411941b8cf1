package reporting

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/plantsim/plantsim/pkg/device"
)

// ExportFormat selects the serialization used by WriteExport.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// DeviceRecord pairs a device's status with its latest data snapshot.
type DeviceRecord struct {
	Status device.Status  `json:"status"`
	Data   map[string]any `json:"data"`
}

// Export is the full device-data dump returned by the orchestrator.
type Export struct {
	ExportTimestamp string                  `json:"export_timestamp"`
	Facility        string                  `json:"facility,omitempty"`
	DeviceCount     int                     `json:"device_count"`
	Devices         map[string]DeviceRecord `json:"devices"`
}

// NewExport assembles an Export stamped with now.
func NewExport(facility string, devices map[string]DeviceRecord, now time.Time) Export {
	return Export{
		ExportTimestamp: now.UTC().Format(time.RFC3339),
		Facility:        facility,
		DeviceCount:     len(devices),
		Devices:         devices,
	}
}

// WriteExport serializes the export in the requested format.
func WriteExport(w io.Writer, e Export, format ExportFormat) error {
	switch format {
	case ExportFormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	case ExportFormatCSV:
		return writeCSV(w, e)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

// writeCSV flattens each device's data map into one row per field. Rows are
// ordered by device id then field name so output is stable.
func writeCSV(w io.Writer, e Export) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"device_id", "protocol", "device_type", "status", "field", "value"}); err != nil {
		return err
	}

	ids := make([]string, 0, len(e.Devices))
	for id := range e.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := e.Devices[id]
		fields := make([]string, 0, len(rec.Data))
		for f := range rec.Data {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			row := []string{
				id,
				rec.Status.Protocol,
				rec.Status.DeviceType,
				rec.Status.Status,
				f,
				formatValue(rec.Data[f]),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}
