package server

import (
	"crypto/subtle"
	"fmt"
)

// AuthGate validates the pre-shared key presented on each request against
// the configured dataset and client key mappings. The dataset mapping is
// authoritative; the client mapping is only consulted when no dataset
// mapping exists.
type AuthGate struct {
	datasetKeys map[string]string
	clientKeys  map[string]string
}

// NewAuthGate builds an AuthGate from the configured key maps. Nil maps
// are treated as empty.
func NewAuthGate(datasetKeys, clientKeys map[string]string) *AuthGate {
	if datasetKeys == nil {
		datasetKeys = map[string]string{}
	}

	if clientKeys == nil {
		clientKeys = map[string]string{}
	}

	return &AuthGate{datasetKeys: datasetKeys, clientKeys: clientKeys}
}

// Authorize returns nil iff the presented key matches the mapping for
// datasetID, falling back to the clientID mapping when no dataset mapping
// exists. Missing datasetID, clientID, or key is unauthorized. Key
// comparison is constant-time.
func (a *AuthGate) Authorize(datasetID, clientID, key string) error {
	if datasetID == "" || clientID == "" || key == "" {
		return fmt.Errorf("server: missing dataset, client, or key: %w", ErrUnauthorized)
	}

	expected, ok := a.datasetKeys[datasetID]
	if !ok {
		expected, ok = a.clientKeys[clientID]
	}

	if !ok {
		return fmt.Errorf("server: no key configured for dataset %q or client %q: %w",
			datasetID, clientID, ErrUnauthorized)
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(key)) != 1 {
		return fmt.Errorf("server: key mismatch for dataset %q: %w", datasetID, ErrUnauthorized)
	}

	return nil
}
