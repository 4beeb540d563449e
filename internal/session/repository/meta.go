package repository

import (
	"strings"

	"github.com/agentdeck/agentdeck/internal/journal"
)

// contextWindowTokens is the context window size used for usage percentage.
const contextWindowTokens = 200_000

// SessionMeta is derived metadata for a session list entry.
type SessionMeta struct {
	MessageCount        int           `json:"messageCount"`
	FirstUserMessage    string        `json:"firstUserMessage,omitempty"`
	Cost                CostSummary   `json:"cost"`
	CurrentContextUsage *ContextUsage `json:"currentContextUsage,omitempty"`
	ModelName           string        `json:"modelName,omitempty"`
}

// CostSummary aggregates token usage and USD across all assistant messages
// of a session, including agent side-channel files.
type CostSummary struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	TotalUSD                 float64 `json:"totalUsd"`
}

// ContextUsage is the context consumption of the latest assistant turn.
type ContextUsage struct {
	Tokens     int64   `json:"tokens"`
	Percentage float64 `json:"percentage"`
}

// pricing is USD per million tokens.
type pricing struct {
	input, output, cacheWrite, cacheRead float64
}

var modelPricing = map[string]pricing{
	"opus":   {input: 15, output: 75, cacheWrite: 18.75, cacheRead: 1.50},
	"sonnet": {input: 3, output: 15, cacheWrite: 3.75, cacheRead: 0.30},
	"haiku":  {input: 0.80, output: 4, cacheWrite: 1, cacheRead: 0.08},
}

func pricingFor(model string) pricing {
	for family, p := range modelPricing {
		if strings.Contains(model, family) {
			return p
		}
	}
	return modelPricing["sonnet"]
}

// computeMeta derives session metadata from parsed journal entries plus any
// entries from the session's agent-*.jsonl side-channel files.
func computeMeta(entries, agentEntries []*journal.Entry) SessionMeta {
	meta := SessionMeta{}

	for _, e := range entries {
		switch e.Type {
		case journal.TypeUser, journal.TypeAssistant:
			if !e.IsSidechain {
				meta.MessageCount++
			}
		}

		if e.Type == journal.TypeUser && !e.IsSidechain && meta.FirstUserMessage == "" && e.Message != nil {
			if text := e.Message.PlainText(); text != "" {
				meta.FirstUserMessage = text
			}
		}

		if e.Type == journal.TypeAssistant && e.Message != nil {
			if e.Message.Model != "" {
				meta.ModelName = e.Message.Model
			}
			addCost(&meta.Cost, e.Message)

			if !e.IsSidechain && !e.IsAPIErrorMessage && e.Message.Usage != nil {
				tokens := e.Message.Usage.ContextTokens()
				meta.CurrentContextUsage = &ContextUsage{
					Tokens:     tokens,
					Percentage: float64(tokens) / contextWindowTokens * 100,
				}
			}
		}
	}

	for _, e := range agentEntries {
		if e.Type == journal.TypeAssistant && e.Message != nil {
			addCost(&meta.Cost, e.Message)
		}
	}

	return meta
}

func addCost(c *CostSummary, m *journal.Message) {
	if m.Usage == nil {
		return
	}
	u := m.Usage
	c.InputTokens += u.InputTokens
	c.OutputTokens += u.OutputTokens
	c.CacheCreationInputTokens += u.CacheCreationInputTokens
	c.CacheReadInputTokens += u.CacheReadInputTokens

	p := pricingFor(m.Model)
	const million = 1_000_000
	c.TotalUSD += float64(u.InputTokens)*p.input/million +
		float64(u.OutputTokens)*p.output/million +
		float64(u.CacheCreationInputTokens)*p.cacheWrite/million +
		float64(u.CacheReadInputTokens)*p.cacheRead/million
}
