// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/traylinx/switchAIRelay/internal/domain"
)

func TestTable_RateLookup(t *testing.T) {
	table := NewTable(map[string]Rate{
		"Custom-Model": {InputPerMTok: domain.Dollars(2), OutputPerMTok: domain.Dollars(4)},
	})

	r, ok := table.Rate("claude-sonnet-4-20250514")
	assert.True(t, ok)
	assert.Equal(t, domain.Dollars(3), r.InputPerMTok)

	r, ok = table.Rate("models/gemini-2.5-flash")
	assert.True(t, ok)
	assert.Equal(t, domain.Dollars(0.30), r.InputPerMTok)

	r, ok = table.Rate("custom-model")
	assert.True(t, ok)
	assert.Equal(t, domain.Dollars(4), r.OutputPerMTok)

	r, ok = table.Rate("something-else")
	assert.False(t, ok)
	assert.Equal(t, domain.Dollars(3), r.InputPerMTok)

	table.Set("something-else", Rate{InputPerMTok: 1, OutputPerMTok: 1})
	_, ok = table.Rate("something-else")
	assert.True(t, ok)
}

func TestTable_PriceRoundsUp(t *testing.T) {
	table := NewTable(nil)

	// 1000 input at $3/M = 3000 micros, 500 output at $15/M = 7500 micros.
	assert.Equal(t, domain.Money(10_500), table.Price("claude-sonnet-4", domain.Usage{InputTokens: 1000, OutputTokens: 500}))
	// A single input token costs 3 micros; one gemini-2.0-flash token costs 0.1 micros, rounded up.
	assert.Equal(t, domain.Money(3), table.Price("claude-sonnet-4", domain.Usage{InputTokens: 1}))
	assert.Equal(t, domain.Money(1), table.Price("gemini-2.0-flash", domain.Usage{InputTokens: 1}))
	assert.Equal(t, domain.Money(0), table.Price("claude-sonnet-4", domain.Usage{}))
}

func TestTable_EstimateUsesOutputCeiling(t *testing.T) {
	table := NewTable(nil)
	body := []byte(`{"model":"claude-sonnet-4","max_tokens":1000,"messages":[]}`)
	// No prompt text, so only the output ceiling is priced.
	assert.Equal(t, domain.Dollars(0.015), table.Estimate("claude-sonnet-4", body, 0))
	assert.Equal(t, domain.Dollars(0.03), table.Estimate("claude-sonnet-4", body, 2000))

	gemini := []byte(`{"contents":[],"generationConfig":{"maxOutputTokens":100}}`)
	assert.Equal(t, domain.Money(1000), table.Estimate("gemini-2.5-pro", gemini, 0))

	none := []byte(`{"messages":[]}`)
	assert.Equal(t, table.Price("claude-sonnet-4", domain.Usage{OutputTokens: DefaultMaxOutputTokens}), table.Estimate("claude-sonnet-4", none, 0))
}

func TestCountPromptTokens(t *testing.T) {
	table := NewTable(nil)
	assert.Equal(t, int64(0), table.CountPromptTokens(nil))
	assert.Equal(t, int64(0), table.CountPromptTokens([]byte("not json")))

	claude := []byte(`{"system":[{"type":"text","text":"You are a careful assistant."}],"messages":[{"role":"user","content":"Summarize the quarterly report in three bullet points."},{"role":"user","content":[{"type":"text","text":"Focus on revenue."}]}]}`)
	gemini := []byte(`{"systemInstruction":{"parts":[{"text":"You are a careful assistant."}]},"contents":[{"role":"user","parts":[{"text":"Summarize the quarterly report in three bullet points."},{"text":"Focus on revenue."}]}]}`)

	claudeTokens := table.CountPromptTokens(claude)
	assert.Greater(t, claudeTokens, int64(10))
	assert.Equal(t, claudeTokens, table.CountPromptTokens(gemini))
}
