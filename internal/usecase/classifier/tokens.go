package classifier

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the token length of text.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter estimates max(runes/4, words) without a tokenizer.
type HeuristicCounter struct{}

// Count implements TokenCounter.
func (HeuristicCounter) Count(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// TiktokenCounter counts with the cl100k_base encoding, loaded on first use.
// If the encoding cannot be loaded it falls back to HeuristicCounter.
type TiktokenCounter struct {
	once   sync.Once
	enc    *tiktoken.Tiktoken
	logger *slog.Logger
}

// NewTiktokenCounter creates a lazily initialised counter.
func NewTiktokenCounter(logger *slog.Logger) *TiktokenCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TiktokenCounter{logger: logger}
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.logger.Warn("tiktoken unavailable, using heuristic token counts", "error", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return HeuristicCounter{}.Count(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// NewCounter returns the counter named by kind ("tiktoken" or "heuristic").
func NewCounter(kind string, logger *slog.Logger) TokenCounter {
	if kind == "tiktoken" {
		return NewTiktokenCounter(logger)
	}
	return HeuristicCounter{}
}
