package model

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ValidationError reports a malformed stage payload. Validation failures are
// never retried.
type ValidationError struct {
	Kind TaskKind
	Msg  string
}

func (e *ValidationError) Error() string {
	return "invalid " + string(e.Kind) + " payload: " + e.Msg
}

// MasterInput is the caller-supplied request that starts a pipeline run.
type MasterInput struct {
	Company string `json:"company"`
	URL     string `json:"url,omitempty"`
	Query   string `json:"query,omitempty"`
}

// SearchQuery returns the web-search query for the run, defaulting to a
// company-overview query when the caller did not supply one.
func (m MasterInput) SearchQuery() string {
	if m.Query != "" {
		return m.Query
	}
	return m.Company + " company overview"
}

// MasterOutput summarizes the full pipeline outcome on the master task.
type MasterOutput struct {
	SourcesFound     int      `json:"sources_found"`
	SourcesProcessed int      `json:"sources_processed"`
	SourcesFailed    int      `json:"sources_failed"`
	RecordIDs        []string `json:"record_ids,omitempty"`
	Summary          string   `json:"summary"`
}

// SearchInput is the payload of a search task.
type SearchInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// Candidate is a single discovered source.
type Candidate struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchOutput lists the discovered candidate sources.
type SearchOutput struct {
	Candidates []Candidate `json:"candidates"`
}

// CrawlInput is the payload of a crawl task.
type CrawlInput struct {
	URL string `json:"url"`
}

// CrawlOutput holds the fetched page content.
type CrawlOutput struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"` // which scraper produced it
}

// ExtractInput is the payload of an extract task.
type ExtractInput struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

// StructuredData is the extraction record produced for one source page.
type StructuredData struct {
	Summary       string   `json:"summary"`
	Industry      string   `json:"industry,omitempty"`
	Headquarters  string   `json:"headquarters,omitempty"`
	EmployeeCount string   `json:"employee_count,omitempty"`
	Founded       string   `json:"founded,omitempty"`
	Offerings     []string `json:"offerings,omitempty"`
	Confidence    float64  `json:"confidence,omitempty"`
	SourceURL     string   `json:"source_url,omitempty"`
}

// ExtractOutput wraps the structured record for one crawled page.
type ExtractOutput struct {
	Data StructuredData `json:"data"`
}

// StoreInput carries the aggregated group outputs into the store stage.
type StoreInput struct {
	EntityID      string           `json:"entity_id"`
	Records       []StructuredData `json:"records"`
	SourcesFound  int              `json:"sources_found"`
	SourcesFailed int              `json:"sources_failed"`
}

// StoreOutput reports what the sink persisted.
type StoreOutput struct {
	RecordIDs []string `json:"record_ids,omitempty"`
	Persisted int      `json:"persisted"`
}

// ValidateInput checks that raw decodes to the input schema for kind and that
// required fields are present. Unknown kinds and missing fields surface as a
// ValidationError at task-creation time rather than deep inside an executor.
func ValidateInput(kind TaskKind, raw []byte) error {
	if !kind.Valid() {
		return &ValidationError{Kind: kind, Msg: "unrecognized task kind"}
	}
	if len(raw) == 0 {
		return &ValidationError{Kind: kind, Msg: "empty input"}
	}

	switch kind {
	case KindMaster:
		var in MasterInput
		if err := strictDecode(raw, &in); err != nil {
			return &ValidationError{Kind: kind, Msg: err.Error()}
		}
		if strings.TrimSpace(in.Company) == "" {
			return &ValidationError{Kind: kind, Msg: "company is required"}
		}
	case KindSearch:
		var in SearchInput
		if err := strictDecode(raw, &in); err != nil {
			return &ValidationError{Kind: kind, Msg: err.Error()}
		}
		if strings.TrimSpace(in.Query) == "" {
			return &ValidationError{Kind: kind, Msg: "query is required"}
		}
	case KindCrawl:
		var in CrawlInput
		if err := strictDecode(raw, &in); err != nil {
			return &ValidationError{Kind: kind, Msg: err.Error()}
		}
		if strings.TrimSpace(in.URL) == "" {
			return &ValidationError{Kind: kind, Msg: "url is required"}
		}
	case KindExtract:
		var in ExtractInput
		if err := strictDecode(raw, &in); err != nil {
			return &ValidationError{Kind: kind, Msg: err.Error()}
		}
		if in.URL == "" {
			return &ValidationError{Kind: kind, Msg: "url is required"}
		}
		if in.Content == "" {
			return &ValidationError{Kind: kind, Msg: "content is required"}
		}
	case KindStore:
		var in StoreInput
		if err := strictDecode(raw, &in); err != nil {
			return &ValidationError{Kind: kind, Msg: err.Error()}
		}
		if in.EntityID == "" {
			return &ValidationError{Kind: kind, Msg: "entity_id is required"}
		}
	}
	return nil
}

func strictDecode(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// MustMarshal encodes a payload, panicking on programmer error. Stage payloads
// are plain structs and cannot fail to marshal at runtime.
func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(eris.Wrap(err, "model: marshal payload"))
	}
	return b
}
