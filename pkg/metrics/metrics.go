package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry accumulates operational counters for the gate: verdicts per
// checkpoint, blocked-rule totals, approval lifecycle totals, and endpoint
// latency stats.
type Registry struct {
	mu         sync.RWMutex
	endpoints  map[string]*EndpointStat
	verdicts   map[string]int64
	rules      map[string]int64
	approvals  map[string]int64
	gauges     map[string]float64
	Histograms *HistogramRegistry
}

func NewRegistry() *Registry {
	return &Registry{
		endpoints:  make(map[string]*EndpointStat),
		verdicts:   make(map[string]int64),
		rules:      make(map[string]int64),
		approvals:  make(map[string]int64),
		gauges:     make(map[string]float64),
		Histograms: NewHistogramRegistry(),
	}
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

func (s *EndpointStat) record(status int, millis int64) {
	s.Count++
	if status >= 400 {
		s.ErrorCount++
	}
	s.TotalMillis += millis
	if millis > s.MaxMillis {
		s.MaxMillis = millis
	}
	s.AverageMillis = float64(s.TotalMillis) / float64(s.Count)
	s.LastStatusCode = status
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Verdicts       map[string]int64        `json:"verdicts"`
	BlockedRules   map[string]int64        `json:"blocked_rules"`
	ApprovalTotals map[string]int64        `json:"approval_totals"`
	Gauges         map[string]float64      `json:"gauges"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stat := r.endpoints[path]
	if stat == nil {
		stat = &EndpointStat{}
		r.endpoints[path] = stat
	}
	stat.record(status, d.Milliseconds())
}

func (r *Registry) ObserveCheckLatency(checkpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(checkpoint, d)
}

// IncVerdict counts one checkpoint outcome, keyed "<checkpoint>|<verdict>",
// e.g. "input|blocked".
func (r *Registry) IncVerdict(checkpoint, verdict string) {
	checkpoint = strings.TrimSpace(strings.ToLower(checkpoint))
	verdict = strings.TrimSpace(strings.ToLower(verdict))
	if checkpoint == "" || verdict == "" {
		return
	}
	r.bump(r.verdicts, checkpoint+"|"+verdict)
}

// IncBlockedRule counts one block by the rule that caused it.
func (r *Registry) IncBlockedRule(rule string) {
	if rule == "" {
		return
	}
	r.bump(r.rules, rule)
}

// IncApprovalState counts one approval lifecycle transition by final state.
func (r *Registry) IncApprovalState(state string) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" {
		return
	}
	r.bump(r.approvals, state)
}

func (r *Registry) bump(counters map[string]int64, key string) {
	r.mu.Lock()
	counters[key]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	endpoints := make(map[string]EndpointStat, len(r.endpoints))
	for path, stat := range r.endpoints {
		endpoints[path] = *stat
	}
	snap := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      endpoints,
		Verdicts:       cloneCounters(r.verdicts),
		BlockedRules:   cloneCounters(r.rules),
		ApprovalTotals: cloneCounters(r.approvals),
		Gauges:         cloneCounters(r.gauges),
	}
	r.mu.RUnlock()
	snap.Histograms = r.Histograms.Snapshots()
	return snap
}

func cloneCounters[V int64 | float64](src map[string]V) map[string]V {
	dst := make(map[string]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

// PrometheusHandler renders the snapshot in text exposition format for
// scrapers that do not speak the JSON endpoint.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		e := &exposition{}

		e.section("aegis_endpoint_count", "counter", "total requests by endpoint")
		for _, ep := range sortedKeys(snap.Endpoints) {
			e.line("aegis_endpoint_count", labels("endpoint", ep), "%d", snap.Endpoints[ep].Count)
		}
		e.section("aegis_endpoint_error_count", "counter", "total endpoint errors")
		for _, ep := range sortedKeys(snap.Endpoints) {
			e.line("aegis_endpoint_error_count", labels("endpoint", ep), "%d", snap.Endpoints[ep].ErrorCount)
		}
		e.section("aegis_endpoint_avg_millis", "gauge", "endpoint average latency in milliseconds")
		for _, ep := range sortedKeys(snap.Endpoints) {
			e.line("aegis_endpoint_avg_millis", labels("endpoint", ep), "%.3f", snap.Endpoints[ep].AverageMillis)
		}

		e.section("aegis_verdict_total", "counter", "checkpoint outcomes by checkpoint and verdict")
		for _, key := range sortedKeys(snap.Verdicts) {
			checkpoint, verdict := splitVerdictKey(key)
			e.line("aegis_verdict_total", labels("checkpoint", checkpoint, "verdict", verdict), "%d", snap.Verdicts[key])
		}
		e.section("aegis_blocked_rule_total", "counter", "blocks by triggering rule")
		for _, rule := range sortedKeys(snap.BlockedRules) {
			e.line("aegis_blocked_rule_total", labels("rule", rule), "%d", snap.BlockedRules[rule])
		}
		e.section("aegis_approval_total", "counter", "approval requests by final state")
		for _, state := range sortedKeys(snap.ApprovalTotals) {
			e.line("aegis_approval_total", labels("state", state), "%d", snap.ApprovalTotals[state])
		}
		e.section("aegis_gauge", "gauge", "operational gauge metrics")
		for _, name := range sortedKeys(snap.Gauges) {
			e.line("aegis_gauge", labels("name", name), "%.3f", snap.Gauges[name])
		}

		for _, h := range snap.Histograms {
			e.histogram(h)
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(e.String()))
	}
}

// exposition builds Prometheus text format line by line.
type exposition struct {
	b strings.Builder
}

func (e *exposition) section(name, metricType, help string) {
	fmt.Fprintf(&e.b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, metricType)
}

func (e *exposition) line(name, labelSet, valueFormat string, value interface{}) {
	fmt.Fprintf(&e.b, "%s{%s} "+valueFormat+"\n", name, labelSet, value)
}

func (e *exposition) histogram(h HistogramSnapshot) {
	e.section("aegis_check_latency_seconds", "histogram", "checkpoint latency histogram")
	for _, bucket := range h.Buckets {
		e.line("aegis_check_latency_seconds_bucket", labels("checkpoint", h.Name, "le", fmt.Sprintf("%.3f", bucket.Le)), "%d", bucket.Count)
	}
	e.line("aegis_check_latency_seconds_bucket", labels("checkpoint", h.Name, "le", "+Inf"), "%d", h.Count)
	e.line("aegis_check_latency_seconds_sum", labels("checkpoint", h.Name), "%.6f", h.Sum)
	e.line("aegis_check_latency_seconds_count", labels("checkpoint", h.Name), "%d", h.Count)
	e.line("aegis_check_latency_p95_seconds", labels("checkpoint", h.Name), "%.6f", h.P95)
}

func (e *exposition) String() string { return e.b.String() }

// labels formats alternating name/value pairs as a Prometheus label set.
func labels(pairs ...string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%q", pairs[i], pairs[i+1]))
	}
	return strings.Join(parts, ",")
}

func splitVerdictKey(key string) (checkpoint, verdict string) {
	checkpoint, verdict, found := strings.Cut(key, "|")
	if !found {
		return checkpoint, "unknown"
	}
	return checkpoint, verdict
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
