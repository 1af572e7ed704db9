package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/meridianlabs/ssobridge/pkg/state"
)

// ExportFormat identifies a download format for the login trail.
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// Export serializes login records for download.
func Export(records []state.Record, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON:
		return json.MarshalIndent(records, "", "  ")
	case ExportFormatNDJSON:
		return exportNDJSON(records)
	case ExportFormatCSV:
		return exportCSV(records)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportNDJSON(records []state.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func exportCSV(records []state.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"id", "tracked_session_id", "user_id", "user_name", "phase",
		"idp_id", "external_authenticated", "host_authenticated",
		"location", "login_time", "last_activity_time",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, rec := range records {
		row := []string{
			strconv.FormatInt(rec.ID, 10),
			rec.TrackedSessionID,
			strconv.FormatInt(rec.UserID, 10),
			rec.UserName,
			rec.Phase.String(),
			strconv.Itoa(rec.IdPID),
			strconv.FormatBool(rec.ExternalAuthenticated),
			strconv.FormatBool(rec.HostAuthenticated),
			rec.Location,
			rec.LoginTime.Format(time.RFC3339),
			rec.LastActivityTime.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}
