package explain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Document is one retrievable piece of guidance.
type Document struct {
	Title       string    `yaml:"title" json:"title"`
	URL         string    `yaml:"url" json:"url"`
	Source      string    `yaml:"source" json:"source"`
	PublishedAt time.Time `yaml:"published_at" json:"published_at"`
	Tier        int       `yaml:"tier" json:"tier"` // 1 = most authoritative
	Text        string    `yaml:"text" json:"text,omitempty"`
	Relevance   float64   `yaml:"-" json:"relevance"` // set by the retriever, in [0,1]
}

// Filter restricts which documents may be cited.
type Filter struct {
	Tiers          []int     `json:"tiers,omitempty"`           // empty = all tiers
	PublishedAfter time.Time `json:"published_after,omitempty"` // zero = no freshness limit
}

// Allows reports whether d passes the filter.
func (f Filter) Allows(d Document) bool {
	if !f.PublishedAfter.IsZero() && d.PublishedAt.Before(f.PublishedAfter) {
		return false
	}
	if len(f.Tiers) == 0 {
		return true
	}
	for _, t := range f.Tiers {
		if t == d.Tier {
			return true
		}
	}
	return false
}

// Query is a retrieval request.
type Query struct {
	Text   string `json:"query"`
	Filter Filter `json:"filter"`
	Limit  int    `json:"limit,omitempty"`
}

// Retriever finds documents relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) ([]Document, error)
}

// sortDocuments orders by relevance descending, then URL.
func sortDocuments(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Relevance != docs[j].Relevance {
			return docs[i].Relevance > docs[j].Relevance
		}
		return docs[i].URL < docs[j].URL
	})
}

// === Static index ===

// StaticIndex is an in-memory corpus scored by term overlap: a document's
// relevance is the share of query terms found in its title, source or text.
type StaticIndex struct {
	docs  []Document
	terms []map[string]bool
}

// NewStaticIndex indexes docs.
func NewStaticIndex(docs []Document) *StaticIndex {
	idx := &StaticIndex{docs: append([]Document(nil), docs...)}
	for _, d := range idx.docs {
		set := make(map[string]bool)
		for _, t := range tokenize(d.Title + " " + d.Source + " " + d.Text) {
			set[t] = true
		}
		idx.terms = append(idx.terms, set)
	}
	return idx
}

type corpusFile struct {
	Documents []Document `yaml:"documents"`
}

// LoadStaticIndex reads a YAML corpus file. Unknown fields are errors.
func LoadStaticIndex(path string) (*StaticIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading corpus: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var f corpusFile
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing corpus %s: %w", path, err)
	}
	for i, d := range f.Documents {
		if d.URL == "" || d.Title == "" {
			return nil, fmt.Errorf("corpus %s: document %d needs a title and a url", path, i)
		}
	}
	return NewStaticIndex(f.Documents), nil
}

// Len returns the number of indexed documents.
func (s *StaticIndex) Len() int { return len(s.docs) }

// Retrieve returns the matching documents that pass q.Filter, best first.
func (s *StaticIndex) Retrieve(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := unique(tokenize(q.Text))
	if len(query) == 0 {
		return nil, nil
	}
	var out []Document
	for i, d := range s.docs {
		if !q.Filter.Allows(d) {
			continue
		}
		hits := 0
		for _, t := range query {
			if s.terms[i][t] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		d.Relevance = float64(hits) / float64(len(query))
		out = append(out, d)
	}
	sortDocuments(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// stopwords carry no retrieval signal.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "into": true,
	"under": true, "this": true, "that": true, "are": true, "was": true, "all": true,
}

// tokenize lower-cases s and splits it into terms of at least three letters
// or digits.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

func unique(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	var out []string
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// === HTTP retriever ===

// HTTPRetriever queries a JSON search endpoint. The request body is the
// Query; the response is {"documents": [...]}.
type HTTPRetriever struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPRetriever creates a retriever for endpoint. An empty token sends no
// Authorization header.
func NewHTTPRetriever(endpoint, token string, timeout time.Duration) *HTTPRetriever {
	return &HTTPRetriever{
		endpoint:   strings.TrimRight(endpoint, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type searchResponse struct {
	Documents []Document `json:"documents"`
}

// Retrieve posts q to the endpoint. Non-200 responses are errors.
func (c *HTTPRetriever) Retrieve(ctx context.Context, q Query) ([]Document, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request creation: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var result searchResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	return result.Documents, nil
}
