// Package api serves the gateway's HTTP interface: recorded runs, sink
// deliveries, per-node summaries, the run report and a console command
// endpoint.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/staffetta/internal/db"
	"github.com/banshee-data/staffetta/internal/report"
	"github.com/banshee-data/staffetta/internal/serialmux"
	"github.com/banshee-data/staffetta/internal/telemetry"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const maxLimit = 10000

type Server struct {
	m       serialmux.SerialMuxInterface
	db      *db.DB
	runID   string
	sinks   []int
	metrics *telemetry.Metrics
}

// NewServer returns a server reading from d. runID is the run served when a
// request names none; sinks are excluded from the duty cycle figures.
// metrics may be nil.
func NewServer(m serialmux.SerialMuxInterface, d *db.DB, runID string, sinks []int, metrics *telemetry.Metrics) *Server {
	return &Server{
		m:       m,
		db:      d,
		runID:   runID,
		sinks:   sinks,
		metrics: metrics,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.handle(mux, "/api/runs", "runs", http.HandlerFunc(s.listRuns))
	s.handle(mux, "/api/deliveries", "deliveries", http.HandlerFunc(s.listDeliveries))
	s.handle(mux, "/api/nodes", "nodes", http.HandlerFunc(s.listNodes))
	s.handle(mux, "/api/summary", "summary", http.HandlerFunc(s.showSummary))
	s.handle(mux, "/command", "command", http.HandlerFunc(s.sendCommandHandler))
	s.handle(mux, "/report", "report", http.HandlerFunc(s.showReport))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, op string, h http.Handler) {
	if s.metrics != nil {
		h = s.metrics.Instrument(op, h)
	}
	mux.Handle(pattern, h)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// run resolves the run a request refers to: the "run" query parameter, the
// server's run, or the most recent run in the database.
func (s *Server) run(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("run"); id != "" {
		return id, nil
	}
	if s.runID != "" {
		return s.runID, nil
	}
	return s.db.LatestRun()
}

func limitParam(r *http.Request, def int) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return def, nil
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 || n > maxLimit {
		return 0, fmt.Errorf("invalid 'limit' parameter")
	}
	return n, nil
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	command := r.FormValue("command")
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}
	if err := s.m.SendCommand(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	limit, err := limitParam(r, 100)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.db.Runs(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	type runAPI struct {
		ID      string     `json:"id"`
		Mode    string     `json:"mode"`
		Nodes   int        `json:"nodes"`
		Note    string     `json:"note,omitempty"`
		Started time.Time  `json:"started"`
		Ended   *time.Time `json:"ended,omitempty"`
	}
	out := make([]runAPI, len(runs))
	for i, run := range runs {
		out[i] = runAPI(run)
	}
	s.writeJSON(w, out)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	limit, err := limitParam(r, 100)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := s.run(r)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to resolve run: %v", err))
		return
	}
	deliveries, err := s.db.Deliveries(runID, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve deliveries: %v", err))
		return
	}
	type deliveryAPI struct {
		Sink     int       `json:"sink"`
		Origin   int       `json:"origin"`
		Seq      int       `json:"seq"`
		Hops     int       `json:"hops"`
		Received time.Time `json:"received"`
	}
	out := make([]deliveryAPI, len(deliveries))
	for i, d := range deliveries {
		out[i] = deliveryAPI(d)
	}
	s.writeJSON(w, out)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID, err := s.run(r)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to resolve run: %v", err))
		return
	}
	nodes, err := s.db.NodeSummaries(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve nodes: %v", err))
		return
	}
	if nodes == nil {
		nodes = []db.NodeSummary{}
	}
	s.writeJSON(w, nodes)
}

// nodesParam reads the relay count the success ratio is computed over.
// Zero lets the summary count the nodes that generated data.
func nodesParam(r *http.Request) (int, error) {
	e := r.URL.Query().Get("nodes")
	if e == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(e)
	if err != nil || n < 0 || n > 254 {
		return 0, fmt.Errorf("invalid 'nodes' parameter")
	}
	return n, nil
}

func (s *Server) summary(r *http.Request, expected int) (report.Summary, error) {
	runID, err := s.run(r)
	if err != nil {
		return report.Summary{}, err
	}
	return report.Load(s.db, runID, s.sinks, expected, 0)
}

func (s *Server) showSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	expected, err := nodesParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := s.summary(r, expected)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to summarize run: %v", err))
		return
	}
	s.writeJSON(w, map[string]any{
		"run":            sum.RunID,
		"received":       sum.Received,
		"success":        sum.Success,
		"generated":      sum.Generated,
		"delivery_ratio": sum.DeliveryRatio,
		"mean_hops":      sum.MeanHops,
		"mean_power":     sum.MeanDutyCycle,
		"var_power":      sum.VarDutyCycle,
		"rounds":         sum.Rounds,
	})
}

func (s *Server) showReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	expected, err := nodesParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	report.Handler(func() (report.Summary, error) { return s.summary(r, expected) }).ServeHTTP(w, r)
}
