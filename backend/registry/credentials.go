package registry

import (
	"context"
	"fmt"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"

	"github.com/meigma/artifactcache/backend"
)

// credentialStore resolves registry credentials from a token source, falling
// back to a docker credential store when no token source is set.
type credentialStore struct {
	username string
	tokens   backend.TokenSource
	fallback credentials.Store
}

// dockerStore returns a store reading ~/.docker/config.json and its
// credential helpers.
func dockerStore() (credentials.Store, error) {
	return credentials.NewStoreFromDocker(credentials.StoreOptions{})
}

// credential implements auth.CredentialFunc.
func (s *credentialStore) credential(ctx context.Context, hostport string) (auth.Credential, error) {
	if s.tokens != nil {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return auth.EmptyCredential, fmt.Errorf("registry credential for %s: %w", hostport, err)
		}
		if s.username != "" {
			return auth.Credential{Username: s.username, Password: tok}, nil
		}
		return auth.Credential{AccessToken: tok}, nil
	}
	if s.fallback != nil {
		cred, err := s.fallback.Get(ctx, hostport)
		if err != nil {
			return auth.EmptyCredential, fmt.Errorf("registry credential for %s: %w", hostport, err)
		}
		return cred, nil
	}
	return auth.EmptyCredential, nil
}
