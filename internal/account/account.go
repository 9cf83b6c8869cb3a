// Package account resolves which billing provider account an operation
// runs against.
package account

import (
	"errors"
	"fmt"
)

// ErrNoAccountConfigured is returned when the requested account index has
// no secret key configured.
var ErrNoAccountConfigured = errors.New("no provider account configured")

// Config identifies one provider account. It is passed by value into every
// call that touches the provider.
type Config struct {
	Index     int    // Position in the configured account list
	Name      string // Operator-facing label
	SecretKey string // Provider API secret
}

// Configured reports whether the account can be used.
func (c Config) Configured() bool {
	return c.SecretKey != ""
}

// String never includes the secret.
func (c Config) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%d (%s)", c.Index, c.Name)
	}
	return fmt.Sprintf("%d", c.Index)
}

// Selector is a read-only lookup over the configured accounts.
type Selector struct {
	accounts []Config
}

// NewSelector builds a Selector. Indexes are assigned from slice position.
func NewSelector(accounts []Config) *Selector {
	list := make([]Config, len(accounts))
	for i, a := range accounts {
		a.Index = i
		list[i] = a
	}
	return &Selector{accounts: list}
}

// AccountFor returns the account at index.
func (s *Selector) AccountFor(index int) (Config, error) {
	const op = "AccountFor"

	if index < 0 || index >= len(s.accounts) {
		return Config{}, fmt.Errorf("%s: index %d out of range: %w", op, index, ErrNoAccountConfigured)
	}
	acct := s.accounts[index]
	if !acct.Configured() {
		return Config{}, fmt.Errorf("%s: index %d has no secret key: %w", op, index, ErrNoAccountConfigured)
	}
	return acct, nil
}

// Configured returns every account that has a secret key.
func (s *Selector) Configured() []Config {
	var out []Config
	for _, a := range s.accounts {
		if a.Configured() {
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of slots, configured or not.
func (s *Selector) Len() int {
	return len(s.accounts)
}
