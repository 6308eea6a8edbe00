package model

import (
	"time"
)

// DocumentType identifies the kind of financial statement a file holds.
type DocumentType string

const (
	DocumentTypeBalanceSheet DocumentType = "balance_sheet"
	DocumentTypeProfitLoss   DocumentType = "profit_loss"
)

// AllPages is the page selector meaning every page of the document.
const AllPages = "*"

// QuerySpec is one natural-language question posed to the document
// analysis service. Alias is the key used in the result map.
type QuerySpec struct {
	Text  string   `json:"text" yaml:"text"`
	Alias string   `json:"alias,omitempty" yaml:"alias"`
	Pages []string `json:"pages,omitempty" yaml:"pages"`
}

// Key returns the field name a resolved answer is stored under.
func (q QuerySpec) Key() string {
	if q.Alias != "" {
		return q.Alias
	}
	return q.Text
}

// DocumentProfile bundles everything needed to extract one document type.
// Profiles are built once at startup and never mutated.
type DocumentProfile struct {
	Type      DocumentType `json:"type"`
	AdapterID string       `json:"adapter_id"`
	Keywords  []string     `json:"keywords"`
	Queries   []QuerySpec  `json:"queries"`
}

// Document is an uploaded statement file.
type Document struct {
	Name string `json:"name"`
	Data []byte `json:"-"`
}

// ExtractionJobHandle refers to a submitted remote analysis job.
type ExtractionJobHandle struct {
	JobID       string    `json:"job_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// JobStatus is the coarse state of a remote analysis job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// ExtractionResult is the field map recovered from one document.
// A query with no answer is simply absent from Fields.
type ExtractionResult struct {
	DocumentType DocumentType      `json:"document_type"`
	CompanyName  string            `json:"company_name"`
	DocumentID   string            `json:"document_id"`
	FileName     string            `json:"file_name"`
	StorageKey   string            `json:"storage_key"`
	JobID        string            `json:"job_id"`
	PageCount    int               `json:"page_count"`
	Fields       map[string]string `json:"fields"`
}

// EnrichmentResult is the narrative summary of public information about a
// company.
type EnrichmentResult struct {
	Company   string     `json:"company"`
	Narrative string     `json:"narrative"`
	Sources   []string   `json:"sources,omitempty"`
	Usage     TokenUsage `json:"usage"`
}

// AnalysisOutput is the structured financial-health assessment.
type AnalysisOutput struct {
	FinancialAnalysis string     `json:"financial_analysis"`
	Recommendations   string     `json:"recommendations"`
	Usage             TokenUsage `json:"-"`
}

// AnalysisReport is the complete output of a pipeline run.
type AnalysisReport struct {
	RunID       string             `json:"run_id"`
	Company     string             `json:"company"`
	Extractions []ExtractionResult `json:"extractions"`
	Enrichment  *EnrichmentResult  `json:"enrichment"`
	Analysis    *AnalysisOutput    `json:"analysis"`
	Phases      []PhaseResult      `json:"phases"`
	TotalTokens int                `json:"total_tokens"`
	TotalCost   float64            `json:"total_cost"`
}
