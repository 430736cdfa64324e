// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// Transaction is one entry of a Glowroot transaction summary listing.
type Transaction struct {
	Name                string  `json:"transactionName" yaml:"name"`
	Type                string  `json:"transactionType,omitempty" yaml:"type"`
	TotalDurationNanos  float64 `json:"totalDurationNanos" yaml:"total_duration_nanos"`
	TotalCPUNanos       float64 `json:"totalCpuNanos" yaml:"total_cpu_nanos"`
	TotalAllocatedBytes float64 `json:"totalAllocatedBytes" yaml:"total_allocated_bytes"`
	TransactionCount    int64   `json:"transactionCount" yaml:"transaction_count"`
}

// Query is one aggregated query of a transaction as reported by Glowroot.
type Query struct {
	QueryType          string  `json:"queryType"`
	TruncatedQueryText string  `json:"truncatedQueryText"`
	FullQueryTextSHA1  string  `json:"fullQueryTextSha1,omitempty"`
	TotalDurationNanos float64 `json:"totalDurationNanos"`
	ExecutionCount     int64   `json:"executionCount"`
	TotalRows          int64   `json:"totalRows"`
}

// SQLInfo is the sidecar written next to every fetched .sql artifact. The
// review stage forwards it to the LLM unchanged.
type SQLInfo struct {
	Fingerprint        string    `json:"fingerprint"`
	AgentID            string    `json:"agent_id"`
	TransactionName    string    `json:"transaction_name"`
	TransactionType    string    `json:"transaction_type"`
	QueryType          string    `json:"query_type"`
	TotalDurationNanos float64   `json:"total_duration_nanos"`
	ExecutionCount     int64     `json:"execution_count"`
	TotalRows          int64     `json:"total_rows"`
	FullQueryTextSHA1  string    `json:"full_query_text_sha1,omitempty"`
	Truncated          bool      `json:"truncated"`
	Timestamp          time.Time `json:"timestamp"`
}

// DiscoveryManifest records what transaction discovery found for one agent.
type DiscoveryManifest struct {
	AgentID         string        `yaml:"agent_id"`
	From            time.Time     `yaml:"from"`
	To              time.Time     `yaml:"to"`
	Calls           []int         `yaml:"calls"`
	FinalLimit      int           `yaml:"final_limit"`
	CapacityReached bool          `yaml:"capacity_reached"`
	Duplicates      int           `yaml:"duplicates_removed"`
	Transactions    []Transaction `yaml:"transactions"`
}
