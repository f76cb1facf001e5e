// Package auth decides which producers may publish on a relay lane.
//
// Consumers are never authenticated here; unix socket permissions and
// mutual TLS cover who may connect at all.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/danmuck/tlvrelay/internal/protocol/schema"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator checks the token a producer presented for domain.
type Validator interface {
	Validate(domain schema.Domain, token string) error
}

// StaticToken accepts one shared token on every domain.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(_ schema.Domain, token string) error {
	return compare(s.Token, token)
}

// Tokens holds one producer token per domain. Domains without an entry
// refuse every producer.
type Tokens map[schema.Domain]string

func (t Tokens) Validate(domain schema.Domain, token string) error {
	want, ok := t[domain]
	if !ok {
		return fmt.Errorf("%w: no producer token for %s", ErrUnauthorized, domain)
	}
	return compare(want, token)
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(domain schema.Domain, token string) error

func (f FuncValidator) Validate(domain schema.Domain, token string) error {
	return f(domain, token)
}

func compare(want, got string) error {
	if want == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
