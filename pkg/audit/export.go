package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Export renders records in format and returns the body and its content type
func Export(format ExportFormat, records []*Record) ([]byte, string, error) {
	switch format {
	case ExportFormatJSON, "":
		data, err := exportJSON(records)
		return data, "application/json", err
	case ExportFormatNDJSON:
		data, err := exportNDJSON(records)
		return data, "application/x-ndjson", err
	case ExportFormatCSV:
		data, err := exportCSV(records)
		return data, "text/csv", err
	default:
		return nil, "", fmt.Errorf("unsupported export format: %s", format)
	}
}

// exportJSON exports audit records as JSON array
func exportJSON(records []*Record) ([]byte, error) {
	return json.MarshalIndent(records, "", "  ")
}

// exportNDJSON exports audit records as newline-delimited JSON
func exportNDJSON(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
	}

	return buf.Bytes(), nil
}

var csvHeader = []string{
	"ID",
	"RecordedAt",
	"Operation",
	"Collection",
	"DocumentID",
	"ActorID",
	"SubjectID",
	"ChangedFields",
	"Details",
	"Before",
	"After",
}

// exportCSV exports audit records as CSV. Snapshots and details are embedded as JSON.
func exportCSV(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		details, err := jsonCell(rec.Details)
		if err != nil {
			return nil, err
		}
		before, err := jsonCell(rec.Before)
		if err != nil {
			return nil, err
		}
		after, err := jsonCell(rec.After)
		if err != nil {
			return nil, err
		}

		row := []string{
			strconv.FormatInt(int64(rec.ID), 10),
			rec.RecordedAt.UTC().Format(time.RFC3339Nano),
			string(rec.Operation),
			string(rec.Collection),
			rec.DocumentID,
			rec.ActorID,
			rec.SubjectID,
			strings.Join(rec.ChangedFields, ";"),
			details,
			before,
			after,
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// jsonCell encodes v for a CSV cell, empty for nil maps
func jsonCell[M ~map[string]V, V any](v M) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal CSV cell: %w", err)
	}
	return string(data), nil
}
