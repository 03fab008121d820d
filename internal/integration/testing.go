package integration

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	OpenAIKey   string
	OpenAIModel string
	RedisURL    string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Config{
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: model,
		RedisURL:    os.Getenv("REDIS_URL"),
		TestTimeout: 90 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfUnset skips the test if the required setting is empty
func SkipIfUnset(t *testing.T, value, env string) {
	t.Helper()
	if value == "" {
		t.Skipf("Skipping integration test: %s not set", env)
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Sent is one message captured by RecordingSender.
type Sent struct {
	Channel, Recipient, Text string
}

// RecordingSender captures outbound messages instead of sending them.
type RecordingSender struct {
	mu   sync.Mutex
	sent []Sent
}

func (s *RecordingSender) Send(_ context.Context, channel, recipient, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Sent{channel, recipient, text})
	return nil
}

// Messages returns a copy of everything sent so far.
func (s *RecordingSender) Messages() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}
