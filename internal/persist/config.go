package persist

import (
	"errors"
	"strings"
)

// Config is the immutable persistence policy fixed at store-assembly time.
type Config struct {
	// Namespace is the storage key the envelope lives under.
	Namespace string
	// Whitelist names the slices that are durably written.
	Whitelist []string
	// Blacklist names slices that must never reach durable storage.
	// Blacklist wins over whitelist unconditionally: blacklisted slices
	// carry compliance-sensitive data (audit trails and the like).
	Blacklist []string
	// Version stamps the envelope; a mismatch on rehydration discards it.
	Version int
	Debug   bool
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("persistence namespace is required")
	}
	return nil
}

// allowed returns the effective persisted set: whitelist minus blacklist.
func (c Config) allowed() map[string]struct{} {
	blocked := make(map[string]struct{}, len(c.Blacklist))
	for _, name := range c.Blacklist {
		blocked[name] = struct{}{}
	}
	result := make(map[string]struct{}, len(c.Whitelist))
	for _, name := range c.Whitelist {
		if _, ok := blocked[name]; ok {
			continue
		}
		if strings.TrimSpace(name) == "" {
			continue
		}
		result[name] = struct{}{}
	}
	return result
}
