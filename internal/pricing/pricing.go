// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pricing converts token usage into microdollar costs and produces the
// conservative pre-dispatch estimates used for admission.
package pricing

import (
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"

	"github.com/traylinx/switchAIRelay/internal/domain"
)

const tokensPerUnit = 1_000_000

// DefaultMaxOutputTokens is assumed when a request does not cap its output.
const DefaultMaxOutputTokens = 4096

// Rate is the price of one million tokens.
type Rate struct {
	InputPerMTok  domain.Money `yaml:"input-per-mtok" json:"input_per_mtok"`
	OutputPerMTok domain.Money `yaml:"output-per-mtok" json:"output_per_mtok"`
}

var defaultRates = map[string]Rate{
	"claude-opus-4":     {InputPerMTok: domain.Dollars(15), OutputPerMTok: domain.Dollars(75)},
	"claude-sonnet-4":   {InputPerMTok: domain.Dollars(3), OutputPerMTok: domain.Dollars(15)},
	"claude-3-7-sonnet": {InputPerMTok: domain.Dollars(3), OutputPerMTok: domain.Dollars(15)},
	"claude-3-5-sonnet": {InputPerMTok: domain.Dollars(3), OutputPerMTok: domain.Dollars(15)},
	"claude-3-5-haiku":  {InputPerMTok: domain.Dollars(0.80), OutputPerMTok: domain.Dollars(4)},
	"claude-haiku-4":    {InputPerMTok: domain.Dollars(1), OutputPerMTok: domain.Dollars(5)},
	"gemini-2.5-pro":    {InputPerMTok: domain.Dollars(1.25), OutputPerMTok: domain.Dollars(10)},
	"gemini-2.5-flash":  {InputPerMTok: domain.Dollars(0.30), OutputPerMTok: domain.Dollars(2.50)},
	"gemini-2.0-flash":  {InputPerMTok: domain.Dollars(0.10), OutputPerMTok: domain.Dollars(0.40)},
}

// Table maps model names to rates. Lookups fall back to the longest matching
// prefix, then to the fallback rate.
type Table struct {
	mu       sync.RWMutex
	rates    map[string]Rate
	prefixes []string
	fallback Rate

	codecOnce sync.Once
	codec     tokenizer.Codec
}

// NewTable creates a table seeded with the built-in rates and overlaid with overrides.
func NewTable(overrides map[string]Rate) *Table {
	t := &Table{
		rates:    make(map[string]Rate, len(defaultRates)+len(overrides)),
		fallback: defaultRates["claude-sonnet-4"],
	}
	for model, rate := range defaultRates {
		t.rates[model] = rate
	}
	for model, rate := range overrides {
		t.rates[strings.ToLower(model)] = rate
	}
	t.reindex()
	return t
}

// Set adds or replaces the rate for model.
func (t *Table) Set(model string, rate Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[strings.ToLower(model)] = rate
	t.reindex()
}

// reindex sorts model names longest first for prefix matching. Callers hold mu or own t.
func (t *Table) reindex() {
	t.prefixes = t.prefixes[:0]
	for model := range t.rates {
		t.prefixes = append(t.prefixes, model)
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
}

// Rate returns the rate for model and whether it came from the table rather than the fallback.
func (t *Table) Rate(model string) (Rate, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	m = strings.TrimPrefix(m, "models/")
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.rates[m]; ok {
		return r, true
	}
	for _, p := range t.prefixes {
		if strings.HasPrefix(m, p) {
			return t.rates[p], true
		}
	}
	return t.fallback, false
}

// Price returns the cost of usage on model, rounded up to the next microdollar.
func (t *Table) Price(model string, usage domain.Usage) domain.Money {
	r, _ := t.Rate(model)
	return cost(r, usage.InputTokens, usage.OutputTokens)
}

// Estimate returns a conservative cost for a request body before dispatch: the
// prompt's token count plus the requested output ceiling. maxTokens overrides
// the body's own cap when positive.
func (t *Table) Estimate(model string, body []byte, maxTokens int64) domain.Money {
	r, _ := t.Rate(model)
	input := t.CountPromptTokens(body)
	output := maxTokens
	if output <= 0 {
		output = maxOutputTokens(body)
	}
	return cost(r, input, output)
}

func cost(r Rate, input, output int64) domain.Money {
	if input < 0 {
		input = 0
	}
	if output < 0 {
		output = 0
	}
	micros := input*int64(r.InputPerMTok) + output*int64(r.OutputPerMTok)
	return domain.Money((micros + tokensPerUnit - 1) / tokensPerUnit)
}

func maxOutputTokens(body []byte) int64 {
	for _, path := range []string{"max_tokens", "max_completion_tokens", "generationConfig.maxOutputTokens"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Int() > 0 {
			return v.Int()
		}
	}
	return DefaultMaxOutputTokens
}

// CountPromptTokens counts the tokens of every text fragment in a Claude or Gemini request.
func (t *Table) CountPromptTokens(body []byte) int64 {
	text := promptText(body)
	if text == "" {
		return 0
	}
	t.codecOnce.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.WithError(err).Warn("pricing: tokenizer unavailable, estimating from length")
			return
		}
		t.codec = codec
	})
	if t.codec != nil {
		if n, err := t.codec.Count(text); err == nil {
			return int64(n)
		}
	}
	// Roughly four bytes per token for English text.
	return int64(len(text)+3) / 4
}

func promptText(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	var b strings.Builder
	add := func(r gjson.Result) {
		if r.Type == gjson.String && r.Str != "" {
			b.WriteString(r.Str)
			b.WriteByte('\n')
		}
	}
	root := gjson.ParseBytes(body)

	system := root.Get("system")
	if system.IsArray() {
		for _, part := range system.Array() {
			add(part.Get("text"))
		}
	} else {
		add(system)
	}
	for _, msg := range root.Get("messages").Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			add(content)
			continue
		}
		for _, part := range content.Array() {
			add(part.Get("text"))
		}
	}
	for _, part := range root.Get("systemInstruction.parts").Array() {
		add(part.Get("text"))
	}
	for _, c := range root.Get("contents").Array() {
		for _, part := range c.Get("parts").Array() {
			add(part.Get("text"))
		}
	}
	return b.String()
}
