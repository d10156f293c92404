package identity

import "golang.org/x/oauth2"

// PKCE holds an S256 verifier and its challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates a fresh verifier/challenge pair.
func NewPKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{Verifier: verifier, Challenge: ChallengeFor(verifier)}
}

// ChallengeFor derives the S256 challenge of a verifier.
func ChallengeFor(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
