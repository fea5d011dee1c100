package models

import "time"

// Provider identifies a responder backend.
type Provider string

const (
	ProviderOpenAI    Provider = "OpenAI"
	ProviderAnthropic Provider = "Anthropic"
)

// Valid reports whether p is a supported backend.
func (p Provider) Valid() bool {
	return p == ProviderOpenAI || p == ProviderAnthropic
}

// Responder is an autonomous identity (provider + model + personality) that
// can author chat messages in the rooms it is attached to.
type Responder struct {
	ID          string   `gorm:"primaryKey;size:36"`
	Name        string   `gorm:"size:64;not null;uniqueIndex"`
	Provider    Provider `gorm:"size:16;not null"`
	Model       string   `gorm:"size:64;not null"`
	Personality string   `gorm:"type:text;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Credential holds a user's provider API keys. Turns triggered by that user
// are generated with these keys.
type Credential struct {
	UserID       string `gorm:"primaryKey;size:64"`
	OpenAIKey    string `gorm:"column:openai_key;size:256"`
	AnthropicKey string `gorm:"size:256"`
	UpdatedAt    time.Time
}

// KeyFor returns the stored key for provider p, or "".
func (c Credential) KeyFor(p Provider) string {
	switch p {
	case ProviderOpenAI:
		return c.OpenAIKey
	case ProviderAnthropic:
		return c.AnthropicKey
	}
	return ""
}
