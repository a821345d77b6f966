package stream

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Usage is the typed view of a metadata usage object. Producers disagree on
// key names, so both spellings are accepted.
type Usage struct {
	InputTokens  int64   `mapstructure:"input_tokens" json:"input_tokens"`
	OutputTokens int64   `mapstructure:"output_tokens" json:"output_tokens"`
	TotalTokens  int64   `mapstructure:"total_tokens" json:"total_tokens"`
	CostUSD      float64 `mapstructure:"cost_usd" json:"cost_usd,omitempty"`

	PromptTokens     int64 `mapstructure:"prompt_tokens" json:"-"`
	CompletionTokens int64 `mapstructure:"completion_tokens" json:"-"`
}

// DecodeUsage converts a raw usage map. Numbers that arrive as strings or
// floats are coerced. A nil map yields a zero Usage.
func DecodeUsage(raw map[string]any) (Usage, error) {
	var u Usage
	if raw == nil {
		return u, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &u,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return u, err
	}
	if err := dec.Decode(raw); err != nil {
		return u, fmt.Errorf("decode usage: %w", err)
	}
	if u.InputTokens == 0 {
		u.InputTokens = u.PromptTokens
	}
	if u.OutputTokens == 0 {
		u.OutputTokens = u.CompletionTokens
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u, nil
}
