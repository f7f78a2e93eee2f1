// Package auth defines the credential contract the engine consumes (spec
// §6.3): the engine treats bearer tokens as opaque strings and delegates
// validation to whatever TokenValidator the façade is configured with.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned by a TokenValidator when the token is
// malformed, expired, or otherwise rejected.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is what a validated token yields: the authenticated subject and
// whatever scope claims the validator chooses to expose. Scope is left as
// a free-form map since the engine never inspects it itself.
type Claims struct {
	Subject string
	Scope   map[string]any
}

// TokenValidator is the single operation the engine needs from an
// external auth collaborator (spec §6.3): validate a bearer string,
// returning the subject and optional scope or failing.
type TokenValidator interface {
	Validate(ctx context.Context, bearer string) (Claims, error)
}

// StaticValidator is a development/testing TokenValidator that accepts a
// fixed set of tokens mapped to subjects; it performs no cryptographic
// verification and must never be used against a real credential.
type StaticValidator struct {
	tokens map[string]Claims
}

// NewStaticValidator builds a StaticValidator from a token-to-subject map.
func NewStaticValidator(tokens map[string]string) *StaticValidator {
	claims := make(map[string]Claims, len(tokens))
	for token, subject := range tokens {
		claims[token] = Claims{Subject: subject}
	}
	return &StaticValidator{tokens: claims}
}

// Validate implements TokenValidator.
func (v *StaticValidator) Validate(_ context.Context, bearer string) (Claims, error) {
	c, ok := v.tokens[bearer]
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}
