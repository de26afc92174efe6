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

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	decisions      map[string]int64
	policyDenials  map[string]int64
	scanFlags      map[string]int64
	chainVerdicts  map[string]int64
	escalations    int64
	evidenceTotal  int64
	gauges         map[string]float64
	verifyLatency  VerifyLatencyStat
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	Decisions            map[string]int64        `json:"decisions"`
	PolicyDenials        map[string]int64        `json:"policy_denials"`
	ScanFlags            map[string]int64        `json:"scan_flags"`
	ChainVerdicts        map[string]int64        `json:"chain_verdicts"`
	Escalations          int64                   `json:"escalations_total"`
	EvidenceRecords      int64                   `json:"evidence_records_total"`
	Gauges               map[string]float64      `json:"gauges"`
	ChainVerifyLatencyMS VerifyLatencyStat       `json:"chain_verify_latency_ms"`
	Histograms           []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		decisions:     map[string]int64{},
		policyDenials: map[string]int64{},
		scanFlags:     map[string]int64{},
		chainVerdicts: map[string]int64{},
		gauges:        map[string]float64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDecision counts one access decision by outcome ("granted" or
// "denied").
func (r *Registry) IncDecision(granted bool) {
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	r.mu.Lock()
	r.decisions[outcome]++
	r.mu.Unlock()
}

// IncPolicyDenial counts one denial attributed to the named policy.
func (r *Registry) IncPolicyDenial(policy string) {
	policy = strings.TrimSpace(policy)
	if policy == "" {
		return
	}
	r.mu.Lock()
	r.policyDenials[policy]++
	r.mu.Unlock()
}

// IncScanFlag counts one raised security-scan flag.
func (r *Registry) IncScanFlag(flag string) {
	flag = strings.TrimSpace(flag)
	if flag == "" {
		return
	}
	r.mu.Lock()
	r.scanFlags[flag]++
	r.mu.Unlock()
}

// IncChainVerdict counts one chain verification by outcome ("valid" or
// "invalid").
func (r *Registry) IncChainVerdict(valid bool) {
	outcome := "invalid"
	if valid {
		outcome = "valid"
	}
	r.mu.Lock()
	r.chainVerdicts[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncEscalation() {
	r.mu.Lock()
	r.escalations++
	r.mu.Unlock()
}

func (r *Registry) IncEvidenceRecord() {
	r.mu.Lock()
	r.evidenceTotal++
	r.mu.Unlock()
}

func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
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
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:       make(map[string]int64, len(r.decisions)),
		PolicyDenials:   make(map[string]int64, len(r.policyDenials)),
		ScanFlags:       make(map[string]int64, len(r.scanFlags)),
		ChainVerdicts:   make(map[string]int64, len(r.chainVerdicts)),
		Escalations:     r.escalations,
		EvidenceRecords: r.evidenceTotal,
		Gauges:          make(map[string]float64, len(r.gauges)),
		ChainVerifyLatencyMS: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decisions {
		out.Decisions[k] = v
	}
	for k, v := range r.policyDenials {
		out.PolicyDenials[k] = v
	}
	for k, v := range r.scanFlags {
		out.ScanFlags[k] = v
	}
	for k, v := range r.chainVerdicts {
		out.ChainVerdicts[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP aegis_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE aegis_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "aegis_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP aegis_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE aegis_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "aegis_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP aegis_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE aegis_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "aegis_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP aegis_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE aegis_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "aegis_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP aegis_decision_total access decisions by outcome\n")
		b.WriteString("# TYPE aegis_decision_total counter\n")
		for _, outcome := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "aegis_decision_total{outcome=%q} %d\n", outcome, snap.Decisions[outcome])
		}
		b.WriteString("# HELP aegis_policy_denial_total denials by violated policy\n")
		b.WriteString("# TYPE aegis_policy_denial_total counter\n")
		for _, policy := range SortedKeys(snap.PolicyDenials) {
			fmt.Fprintf(b, "aegis_policy_denial_total{policy=%q} %d\n", policy, snap.PolicyDenials[policy])
		}
		b.WriteString("# HELP aegis_scan_flag_total security scan flags raised\n")
		b.WriteString("# TYPE aegis_scan_flag_total counter\n")
		for _, flag := range SortedKeys(snap.ScanFlags) {
			fmt.Fprintf(b, "aegis_scan_flag_total{flag=%q} %d\n", flag, snap.ScanFlags[flag])
		}
		b.WriteString("# HELP aegis_chain_verification_total chain verifications by outcome\n")
		b.WriteString("# TYPE aegis_chain_verification_total counter\n")
		for _, outcome := range SortedKeys(snap.ChainVerdicts) {
			fmt.Fprintf(b, "aegis_chain_verification_total{outcome=%q} %d\n", outcome, snap.ChainVerdicts[outcome])
		}
		b.WriteString("# HELP aegis_escalation_total denials escalated for review\n")
		b.WriteString("# TYPE aegis_escalation_total counter\n")
		fmt.Fprintf(b, "aegis_escalation_total %d\n", snap.Escalations)
		b.WriteString("# HELP aegis_evidence_record_total evidence records generated\n")
		b.WriteString("# TYPE aegis_evidence_record_total counter\n")
		fmt.Fprintf(b, "aegis_evidence_record_total %d\n", snap.EvidenceRecords)
		b.WriteString("# HELP aegis_gauge operational gauge metrics\n")
		b.WriteString("# TYPE aegis_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "aegis_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP aegis_latency_seconds latency histogram\n")
			b.WriteString("# TYPE aegis_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "aegis_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "aegis_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "aegis_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "aegis_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "aegis_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "aegis_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "aegis_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP aegis_chain_verify_latency_ms chain verification latency in ms\n")
		b.WriteString("# TYPE aegis_chain_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "aegis_chain_verify_latency_ms{stat=%q} %d\n", "last", snap.ChainVerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "aegis_chain_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.ChainVerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "aegis_chain_verify_latency_ms{stat=%q} %d\n", "max", snap.ChainVerifyLatencyMS.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
