package server

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"tracelog/internal/logstore"
	"tracelog/pkg/tracelog"
)

var csvHeader = []string{
	"ID", "Request ID", "Level", "Message", "Controller", "Method",
	"IP Address", "User Agent", "URL", "HTTP Method", "Status Code", "Created At",
}

// ExportResponse is the body of a JSON export.
type ExportResponse struct {
	ExportedAt time.Time         `json:"exported_at"`
	Count      int               `json:"count"`
	Logs       []tracelog.LogRow `json:"logs"`
}

// HandleExport downloads matching rows as JSON or CSV, optionally gzipped.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, "format: must be one of json, csv")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}

	rows, err := h.store.Export(r.Context(), logstore.ExportFilter{Filter: filter, Limit: h.cfg.Export.MaxRecords})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []tracelog.LogRow{}
	}

	now := h.now()
	filename := "logs_" + now.UTC().Format("2006-01-02_15-04-05") + "." + format
	contentType := "application/json; charset=utf-8"
	if format == "csv" {
		contentType = "text/csv; charset=utf-8"
	}

	var out io.Writer = w
	if parseBool(r.URL.Query().Get("gzip")) {
		filename += ".gz"
		contentType = "application/gzip"
		gz := gzip.NewWriter(w)
		defer gz.Close()
		out = gz
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)

	if format == "csv" {
		err = writeCSV(out, rows)
	} else {
		err = json.NewEncoder(out).Encode(ExportResponse{ExportedAt: now.UTC(), Count: len(rows), Logs: rows})
	}
	if err != nil {
		h.logger.Warn("export interrupted", zap.String("format", format), zap.Error(err))
	}
}

func writeCSV(w io.Writer, rows []tracelog.LogRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range rows {
		status := ""
		if row.StatusCode != nil {
			status = strconv.Itoa(*row.StatusCode)
		}
		record := []string{
			strconv.FormatInt(row.ID, 10),
			row.RequestID,
			string(row.Level),
			row.Message,
			row.Controller,
			row.Method,
			row.IPAddress,
			row.UserAgent,
			row.URL,
			row.HTTPMethod,
			status,
			row.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
