// Package tokens counts tokens in injected thinking so operators can see how
// much of the host model's context window the staged reasoning consumes.
package tokens

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// charsPerToken is the estimate used when no tokenizer encoding is available.
const charsPerToken = 4.0

// Counter counts tokens with the tiktoken encoding of one model. A nil
// *Counter counts nothing.
type Counter struct {
	model string
	codec tokenizer.Codec
}

// NewCounter creates a counter for model. Unknown models use the encoding
// their name prefix suggests; if no encoding loads, Count estimates from length.
func NewCounter(model string) *Counter {
	c := &Counter{model: model}

	codec, err := tokenizer.ForModel(mapModelName(model))
	if err != nil {
		codec, err = tokenizer.Get(modelToEncoding(model))
	}
	if err == nil {
		c.codec = codec
	}
	return c
}

// Model returns the model the counter was created for.
func (c *Counter) Model() string {
	if c == nil {
		return ""
	}
	return c.model
}

// Exact reports whether counts come from a tokenizer rather than an estimate.
func (c *Counter) Exact() bool {
	return c != nil && c.codec != nil
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if c == nil || text == "" {
		return 0
	}
	if c.codec != nil {
		if ids, _, err := c.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return estimate(text)
}

func estimate(text string) int {
	n := int(float64(len(text))/charsPerToken + 0.5)
	if n == 0 {
		return 1
	}
	return n
}

// mapModelName maps a model string to tokenizer.Model
func mapModelName(model string) tokenizer.Model {
	model = strings.ToLower(model)

	switch {
	case model == "gpt-5-mini" || strings.HasPrefix(model, "gpt-5-mini-"):
		return tokenizer.GPT5Mini
	case model == "gpt-5-nano" || strings.HasPrefix(model, "gpt-5-nano-"):
		return tokenizer.GPT5Nano
	case strings.HasPrefix(model, "gpt-5"):
		return tokenizer.GPT5
	case strings.HasPrefix(model, "gpt-4.1") || strings.HasPrefix(model, "gpt-41"):
		return tokenizer.GPT41
	case strings.HasPrefix(model, "gpt-4o"):
		return tokenizer.GPT4o
	case strings.HasPrefix(model, "o1-mini"):
		return tokenizer.O1Mini
	case model == "o1" || strings.HasPrefix(model, "o1-"):
		return tokenizer.O1
	case strings.HasPrefix(model, "o3-mini"):
		return tokenizer.O3Mini
	case model == "o3" || strings.HasPrefix(model, "o3-"):
		return tokenizer.O3
	case strings.HasPrefix(model, "o4"):
		return tokenizer.O4Mini
	case strings.HasPrefix(model, "gpt-4"):
		return tokenizer.GPT4
	case strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.GPT35Turbo
	default:
		// tokenizer.ForModel rejects unknown names and we fall back to an encoding
		return tokenizer.Model(model)
	}
}

// modelToEncoding picks the encoding for models the tokenizer does not know.
// Local and third-party models have no published encoding; o200k_base is
// the closest general-purpose vocabulary.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "text-davinci"):
		return tokenizer.P50kBase
	default:
		return tokenizer.O200kBase
	}
}
