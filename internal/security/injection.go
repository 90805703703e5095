// Package security screens text before it is concatenated into a model
// prompt. Screening is layered: cheap pattern rules first, an optional LLM
// classifier second, and structural fencing last. Content is rejected with an
// *InjectionError; callers must treat that as a refusal to process, not as a
// transport failure.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/prompts"
)

// TrustLevel classifies where a piece of text came from.
type TrustLevel string

const (
	// TrustTrusted is system-authored text. It is never screened.
	TrustTrusted TrustLevel = "trusted"
	// TrustUserInput is text typed by the authenticated user. Screened but
	// not fenced, since it becomes the user turn itself.
	TrustUserInput TrustLevel = "user_input"
	// TrustUntrusted is third-party text (tool output, fetched documents).
	// Screened and fenced.
	TrustUntrusted TrustLevel = "untrusted"
	// TrustSuspicious marks content that matched patterns below the
	// rejection threshold. Assigned by the defense, never by callers.
	TrustSuspicious TrustLevel = "suspicious"
)

// Layer names recorded in Assessment.LayersRun.
const (
	LayerPattern    = "pattern"
	LayerClassifier = "classifier"
	LayerStructural = "structural"
)

// Classifier is the LLM seam for the second layer. Satisfied by *llm.Client.
type Classifier interface {
	CompleteJSON(ctx context.Context, system, prompt string, temperature float64) (string, error)
}

// Assessment describes what the defense did to one piece of content.
type Assessment struct {
	LayersRun         []string   `json:"layers_run"`
	PatternCategories []string   `json:"pattern_categories,omitempty"`
	ClassifierScore   float64    `json:"classifier_score,omitempty"`
	ClassifierReason  string     `json:"classifier_reason,omitempty"`
	Trust             TrustLevel `json:"trust"`
}

// InjectionError reports content rejected by the defense.
type InjectionError struct {
	Source     string
	Layer      string
	Categories []string
	Confidence float64
	Reason     string
}

func (e *InjectionError) Error() string {
	if e.Layer == LayerClassifier {
		return fmt.Sprintf("injection rejected by classifier (source=%s, confidence=%.2f): %s", e.Source, e.Confidence, e.Reason)
	}
	return fmt.Sprintf("injection rejected by patterns (source=%s, categories=%s)", e.Source, strings.Join(e.Categories, ","))
}

// IsInjection reports whether err is a defense rejection.
func IsInjection(err error) bool {
	var ie *InjectionError
	return errors.As(err, &ie)
}

// consecutive classifier failures before the defense stops calling the model
// and runs on patterns alone.
const degradedAfterFailures = 3

// Defense runs the layered screen. Safe for concurrent use.
type Defense struct {
	cfg        config.InjectionConfig
	classifier Classifier
	prompts    *prompts.Store
	logger     *observability.Logger
	metrics    *observability.Metrics

	mu       sync.Mutex
	failures int
	degraded bool
}

// NewDefense builds the defense. classifier may be nil; when the config
// enables the LLM layer anyway, the defense starts degraded and says so
// loudly rather than failing boot.
func NewDefense(cfg config.InjectionConfig, classifier Classifier, store *prompts.Store, logger *observability.Logger, metrics *observability.Metrics) *Defense {
	d := &Defense{
		cfg:        cfg,
		classifier: classifier,
		prompts:    store,
		logger:     logger.Component("security"),
		metrics:    metrics,
	}
	if cfg.LLMEnabled && classifier == nil {
		d.degraded = true
		d.logger.Error("DEGRADED MODE: injection classifier enabled but not wired, running on pattern layer only")
	}
	return d
}

// Degraded reports whether the classifier layer is configured but currently
// out of service. Exposed on the health endpoint.
func (d *Defense) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.LLMEnabled && d.degraded
}

// Sanitize screens content from the given source at the given trust level.
// It returns the text to splice into the prompt together with an assessment
// of what ran. A non-nil error means the content must not be used; rejection
// errors satisfy IsInjection, anything else is an infrastructure failure and
// also fails closed.
func (d *Defense) Sanitize(ctx context.Context, content, source string, trust TrustLevel) (string, *Assessment, error) {
	assessment := &Assessment{Trust: trust}
	if trust == TrustTrusted || content == "" {
		return content, assessment, nil
	}

	// Layer 1: patterns.
	assessment.LayersRun = append(assessment.LayersRun, LayerPattern)
	categories, high := matchPatterns(content)
	assessment.PatternCategories = categories
	if high || len(categories) >= d.cfg.CategoryThreshold {
		d.countOutcome("rejected_pattern")
		d.logger.WithContext(ctx).Warn("content rejected by injection patterns",
			"source", source, "categories", strings.Join(categories, ","), "high_severity", high)
		return "", assessment, &InjectionError{Source: source, Layer: LayerPattern, Categories: categories}
	}
	if len(categories) > 0 {
		assessment.Trust = TrustSuspicious
	}

	// Layer 2: classifier.
	if d.cfg.LLMEnabled {
		if d.classifierAvailable() {
			assessment.LayersRun = append(assessment.LayersRun, LayerClassifier)
			verdict, err := d.classify(ctx, content)
			if err != nil {
				// Fail closed: an unscreened pass-through is worse
				// than a refused request.
				d.recordFailure(ctx, err)
				return "", assessment, fmt.Errorf("injection classifier: %w", err)
			}
			d.recordSuccess()
			assessment.ClassifierScore = verdict.Confidence
			assessment.ClassifierReason = verdict.Reason
			if verdict.IsInjection && verdict.Confidence >= d.cfg.ConfidenceThreshold {
				d.countOutcome("rejected_llm")
				d.logger.WithContext(ctx).Warn("content rejected by injection classifier",
					"source", source, "confidence", verdict.Confidence, "reason", verdict.Reason)
				return "", assessment, &InjectionError{
					Source:     source,
					Layer:      LayerClassifier,
					Confidence: verdict.Confidence,
					Reason:     verdict.Reason,
				}
			}
		} else {
			d.countOutcome("degraded")
			d.logger.WithContext(ctx).Warn("DEGRADED MODE: injection classifier unavailable, pattern layer only",
				"source", source)
		}
	}

	// Layer 3: structural fencing for third-party content.
	out := content
	if trust == TrustUntrusted {
		assessment.LayersRun = append(assessment.LayersRun, LayerStructural)
		out = WrapUntrusted(content, source)
	}

	d.countOutcome("clean")
	return out, assessment, nil
}

// Probe runs the classifier on a fixed benign input. A success clears
// degraded mode; the scheduler calls this periodically so an outage heals
// without a restart.
func (d *Defense) Probe(ctx context.Context) error {
	if !d.cfg.LLMEnabled || d.classifier == nil {
		return nil
	}
	if _, err := d.classify(ctx, "The weather is pleasant today."); err != nil {
		d.recordFailure(ctx, err)
		return err
	}
	d.recordSuccess()
	return nil
}

type classifierVerdict struct {
	IsInjection bool    `json:"is_injection"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

func (d *Defense) classify(ctx context.Context, content string) (*classifierVerdict, error) {
	system, err := d.prompts.Get(prompts.InjectionReview)
	if err != nil {
		return nil, err
	}
	raw, err := d.classifier.CompleteJSON(ctx, system, content, 0.1)
	if err != nil {
		return nil, err
	}
	var verdict classifierVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, fmt.Errorf("parse classifier verdict: %w", err)
	}
	return &verdict, nil
}

func (d *Defense) classifierAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier != nil && !d.degraded
}

func (d *Defense) recordFailure(ctx context.Context, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures++
	if !d.degraded && d.failures >= degradedAfterFailures {
		d.degraded = true
		d.logger.WithContext(ctx).Error("DEGRADED MODE: injection classifier failing, switching to pattern layer only",
			"consecutive_failures", d.failures, "error", err)
	}
}

func (d *Defense) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = 0
	if d.degraded && d.classifier != nil {
		d.degraded = false
		d.logger.Info("injection classifier recovered, leaving degraded mode")
	}
}

func (d *Defense) countOutcome(outcome string) {
	if d.metrics != nil {
		d.metrics.InjectionOutcomes.WithLabelValues(outcome).Inc()
	}
}

// WrapUntrusted fences third-party text so the model can tell data from
// instructions. Closing tags and instruction markup inside the content are
// escaped so the fence cannot be broken from within.
func WrapUntrusted(content, source string) string {
	escaped := escapeMarkup(content)
	return fmt.Sprintf("<untrusted_content source=%q>\n%s\n</untrusted_content>", source, escaped)
}

var markupEscaper = strings.NewReplacer(
	"<untrusted_content", "&lt;untrusted_content",
	"</untrusted_content", "&lt;/untrusted_content",
	"<instruction", "&lt;instruction",
	"</instruction", "&lt;/instruction",
	"<system", "&lt;system",
	"</system", "&lt;/system",
)

func escapeMarkup(s string) string {
	return markupEscaper.Replace(s)
}
