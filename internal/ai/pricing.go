package ai

import (
	"math"

	"classwatch/internal/config"
	"classwatch/internal/model"
)

// Default pricing constants, overridable via config.
const (
	defaultInputPricePerToken  = 1.25e-6
	defaultOutputPricePerToken = 5.0e-6
	defaultCharsPerToken       = 4
	defaultTokensPerImage      = 258
)

// Pricing converts prompts and usage counters into monetary amounts. The
// estimate gates spending before generation; the calculation records the
// exact spend afterwards.
type Pricing struct {
	inputPricePerToken     float64
	outputPricePerToken    float64
	charsPerToken          int
	tokensPerImageEstimate int
}

// NewPricing builds a Pricing from config, falling back to package defaults
// for unset values.
func NewPricing(cfg config.PricingConfig) Pricing {
	p := Pricing{
		inputPricePerToken:     cfg.InputPricePerToken,
		outputPricePerToken:    cfg.OutputPricePerToken,
		charsPerToken:          cfg.CharsPerToken,
		tokensPerImageEstimate: cfg.TokensPerImageEstimate,
	}
	if p.inputPricePerToken <= 0 {
		p.inputPricePerToken = defaultInputPricePerToken
	}
	if p.outputPricePerToken <= 0 {
		p.outputPricePerToken = defaultOutputPricePerToken
	}
	if p.charsPerToken <= 0 {
		p.charsPerToken = defaultCharsPerToken
	}
	if p.tokensPerImageEstimate <= 0 {
		p.tokensPerImageEstimate = defaultTokensPerImage
	}
	return p
}

// EstimateCost is the deterministic pre-flight estimate used for quota
// gating: prompt characters at the input price plus a fixed token count per
// media item. Output tokens are unknowable before generation and deliberately
// excluded.
func (p Pricing) EstimateCost(promptText string, mediaCount int) float64 {
	textTokens := math.Ceil(float64(len(promptText)) / float64(p.charsPerToken))
	textCost := textTokens * p.inputPricePerToken
	mediaCost := float64(mediaCount) * float64(p.tokensPerImageEstimate) * p.inputPricePerToken
	return textCost + mediaCost
}

// CalculateCost is the exact post-hoc cost from the model's usage counters.
// Absent usage costs nothing.
func (p Pricing) CalculateCost(usage *model.TokenUsage) float64 {
	if usage == nil {
		return 0
	}
	return float64(usage.InputTokens)*p.inputPricePerToken +
		float64(usage.OutputTokens)*p.outputPricePerToken
}
