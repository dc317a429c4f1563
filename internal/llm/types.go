// Package llm provides model backend client implementations.
package llm

import (
	"time"
)

// Message represents one role/content turn in a conversation. Tool
// observations are carried as role "tool" messages; the backends see
// plain text only — tool-call extraction happens downstream in the
// decoder, never at the provider boundary.
type Message struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`
}

// Request is a provider-neutral generation request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Response is the unified response from any backend. All fields use
// proper Go types — wire format conversion happens at provider
// boundaries (ollama.go, anthropic.go).
type Response struct {
	Model     string
	CreatedAt time.Time
	Text      string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
}

// StreamCallback receives raw text fragments as the backend produces
// them. Fragments may split anywhere, including mid-token and inside
// JSON blocks; consumers must tolerate arbitrary chunk boundaries.
type StreamCallback func(fragment string)

// ErrorKind classifies a provider failure. The router maps each kind
// to a cooldown duration from configuration.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindServerError
	KindTimeout
	KindAuthError
	KindQuotaExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindTimeout:
		return "timeout"
	case KindAuthError:
		return "auth_error"
	case KindQuotaExhausted:
		return "quota_exhausted"
	default:
		return "unknown"
	}
}
