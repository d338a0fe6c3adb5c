// Package explain justifies the winning scenario with retrieved guidance, or
// abstains when the evidence is too thin.
package explain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/telemetry"
)

// Explainer builds an ExplanationResult for the best scenario.
type Explainer struct {
	retriever Retriever
	cfg       evac.ExplainerConfig
	now       func() time.Time
	telemetry *telemetry.Metrics
}

// Option configures an Explainer.
type Option func(*Explainer)

// WithClock sets the clock used for the freshness window.
func WithClock(now func() time.Time) Option {
	return func(e *Explainer) { e.now = now }
}

// WithTelemetry records answers and abstentions.
func WithTelemetry(m *telemetry.Metrics) Option {
	return func(e *Explainer) { e.telemetry = m }
}

// New creates an Explainer. cfg must have passed ExplainerConfig.Validate.
func New(r Retriever, cfg evac.ExplainerConfig, opts ...Option) *Explainer {
	e := &Explainer{retriever: r, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Explain retrieves supporting documents for best and composes an answer
// from the scenario's own interventions and metrics. It abstains when fewer
// than MinCitations documents survive filtering, when their mean relevance
// is below MinConfidence, or when retrieval fails. Abstention is a normal
// result, never an error.
func (e *Explainer) Explain(ctx context.Context, intent evac.UserIntent, best evac.ScenarioConfig, m *evac.SimulationMetrics) evac.ExplanationResult {
	log := logrus.WithFields(logrus.Fields{"scenario": best.ID(), "city": intent.City})
	filter := Filter{Tiers: intent.SourceTiers}
	if intent.FreshnessWindow > 0 {
		filter.PublishedAfter = e.now().Add(-intent.FreshnessWindow)
	}
	q := Query{Text: queryText(intent, best), Filter: filter, Limit: e.cfg.MaxCitations}

	docs, err := e.retriever.Retrieve(ctx, q)
	if err != nil {
		log.Warnf("retrieval failed: %v", err)
		return e.abstain(best, evac.AbstentionRetrievalUnavailable, 0)
	}

	var kept []Document
	for _, d := range docs {
		if filter.Allows(d) && d.Relevance > 0 {
			kept = append(kept, d)
		}
	}
	sortDocuments(kept)
	if len(kept) > e.cfg.MaxCitations {
		kept = kept[:e.cfg.MaxCitations]
	}

	confidence := 0.0
	for _, d := range kept {
		confidence += d.Relevance
	}
	if len(kept) > 0 {
		confidence /= float64(len(kept))
	}

	switch {
	case len(kept) < e.cfg.MinCitations:
		log.Infof("abstaining: %d citation(s), need %d", len(kept), e.cfg.MinCitations)
		return e.abstain(best, evac.AbstentionInsufficientEvidence, confidence)
	case confidence < e.cfg.MinConfidence:
		log.Infof("abstaining: confidence %.2f below %.2f", confidence, e.cfg.MinConfidence)
		return e.abstain(best, evac.AbstentionLowConfidence, confidence)
	}

	citations := make([]evac.Citation, len(kept))
	for i, d := range kept {
		citations[i] = evac.Citation{
			Title:       d.Title,
			URL:         d.URL,
			PublishedAt: d.PublishedAt,
			Source:      d.Source,
			Tier:        d.Tier,
			Relevance:   d.Relevance,
		}
	}
	e.telemetry.Explanation(false)
	return evac.ExplanationResult{
		ScenarioID: best.ID(),
		Answer:     compose(intent, best, m, citations),
		Citations:  citations,
		Confidence: confidence,
	}
}

func (e *Explainer) abstain(best evac.ScenarioConfig, reason evac.AbstentionReason, confidence float64) evac.ExplanationResult {
	e.telemetry.Explanation(true)
	return evac.ExplanationResult{
		ScenarioID: best.ID(),
		Answer:     fmt.Sprintf("No justification is given for scenario %s: %s.", best.ID(), strings.ReplaceAll(string(reason), "_", " ")),
		Citations:  []evac.Citation{},
		Abstained:  true,
		Reason:     reason,
		Confidence: confidence,
	}
}

// queryText describes the request and the scenario's intervention types.
func queryText(intent evac.UserIntent, sc evac.ScenarioConfig) string {
	parts := []string{intent.Objective, intent.City, intent.Hazard, "evacuation"}
	for _, c := range sc.CapacityChanges() {
		if c.Multiplier > 1 {
			parts = append(parts, "contraflow lane reversal")
			break
		}
	}
	if len(sc.Closures()) > 0 {
		parts = append(parts, "road closure")
	}
	if len(sc.Corridors()) > 0 {
		parts = append(parts, "protected emergency corridor")
	}
	if len(sc.Egress()) > 0 {
		parts = append(parts, "staged phased evacuation")
	}
	return strings.Join(parts, " ")
}

// compose writes the answer from the scenario itself plus numbered references.
func compose(intent evac.UserIntent, sc evac.ScenarioConfig, m *evac.SimulationMetrics, citations []evac.Citation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Scenario %s (%s) ranks best for %q in %s", sc.ID(), sc.Summary(), intent.Objective, intent.City)
	if intent.Hazard != "" {
		fmt.Fprintf(&sb, " under %s", intent.Hazard)
	}
	sb.WriteString(".")
	if m == nil {
		m = &evac.SimulationMetrics{}
	}
	fmt.Fprintf(&sb, " Clearance time %s min, max queue %s, fairness %s, robustness %s.",
		format(m.ClearanceTime, 1), format(m.MaxQueue, 0), format(m.FairnessIndex, 2), format(m.Robustness, 2))
	sb.WriteString(" Supporting guidance:")
	for i, c := range citations {
		fmt.Fprintf(&sb, " [%d] %s (%s)", i+1, c.Title, c.Source)
		if i < len(citations)-1 {
			sb.WriteString(";")
		}
	}
	sb.WriteString(".")
	return sb.String()
}

func format(v *float64, decimals int) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.*f", decimals, *v)
}
