package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// Resource is implemented by domain types that render themselves as FHIR JSON.
type Resource interface {
	ResourceType() string
	ResourceID() string
}

// SearchBundleParams carries paging inputs for searchset links.
type SearchBundleParams struct {
	BaseURL  string
	QueryStr string
	Count    int
	Offset   int
	Total    int
}

// NewSearchBundle builds a searchset from already rendered resources.
func NewSearchBundle(resources []Resource, render func(Resource) (interface{}, error), params SearchBundleParams) (*Bundle, error) {
	now := time.Now().UTC()
	entries := make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		body, err := render(r)
		if err != nil {
			return nil, fmt.Errorf("render %s/%s: %w", r.ResourceType(), r.ResourceID(), err)
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s/%s: %w", r.ResourceType(), r.ResourceID(), err)
		}
		entries = append(entries, BundleEntry{
			FullURL:  FormatReference(r.ResourceType(), r.ResourceID()),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}

	total := params.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         paginationLinks(params),
		Entry:        entries,
	}, nil
}

func paginationLinks(p SearchBundleParams) []BundleLink {
	if p.Count <= 0 {
		return []BundleLink{{Relation: "self", URL: withQuery(p.BaseURL, p.QueryStr)}}
	}

	link := func(offset int) string {
		return fmt.Sprintf("%s?%s_count=%d&_offset=%d", p.BaseURL, ampersand(p.QueryStr), p.Count, offset)
	}
	links := []BundleLink{{Relation: "self", URL: link(p.Offset)}}
	if next := p.Offset + p.Count; next < p.Total {
		links = append(links, BundleLink{Relation: "next", URL: link(next)})
	}
	if p.Offset > 0 {
		prev := p.Offset - p.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: link(prev)})
	}
	return links
}

func withQuery(base, qs string) string {
	if qs == "" {
		return base
	}
	return base + "?" + qs
}

func ampersand(qs string) string {
	if qs == "" {
		return ""
	}
	return qs + "&"
}
