// Package auth models per-upstream credentials as a tagged variant and
// turns them into transport material (headers, TLS client config).
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"
)

// Type discriminates the credential variant.
type Type string

const (
	TypeNone   Type = "none"
	TypeBearer Type = "bearer"
	TypeBasic  Type = "basic"
	TypeAPIKey Type = "api_key"
	TypeOAuth2 Type = "oauth2"
	TypeMTLS   Type = "mtls"
)

// Strategy describes how credentials for an upstream are sourced.
type Strategy string

const (
	// StrategyNone connects without credentials.
	StrategyNone Strategy = "NONE"
	// StrategyMaster uses the MCP's shared master credential.
	StrategyMaster Strategy = "MASTER"
	// StrategyUserSet uses a credential bound to (token, mcp).
	StrategyUserSet Strategy = "USER_SET"
)

// Credential is the decrypted credential record for one upstream.
// The zero value is the none variant.
type Credential struct {
	Type Type `json:"type"`

	// bearer
	Token string `json:"token,omitempty"`

	// basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// api_key
	HeaderName string `json:"header_name,omitempty"`
	Value      string `json:"value,omitempty"`

	// oauth2
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	// mtls (PEM encoded)
	ClientCert string `json:"client_cert,omitempty"`
	ClientKey  string `json:"client_key,omitempty"`
	CABundle   string `json:"ca_bundle,omitempty"`
}

// None returns the empty credential variant.
func None() Credential {
	return Credential{Type: TypeNone}
}

// IsNone reports whether the credential carries no auth material.
func (c Credential) IsNone() bool {
	return c.Type == "" || c.Type == TypeNone
}

// Headers returns the HTTP headers the credential contributes to upstream
// requests. mTLS credentials contribute none.
func (c Credential) Headers() map[string]string {
	switch c.Type {
	case TypeBearer:
		return map[string]string{"Authorization": "Bearer " + c.Token}
	case TypeBasic:
		encoded := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		return map[string]string{"Authorization": "Basic " + encoded}
	case TypeAPIKey:
		header := c.HeaderName
		if header == "" {
			header = "X-Api-Key"
		}
		return map[string]string{header: c.Value}
	case TypeOAuth2:
		return map[string]string{"Authorization": "Bearer " + c.AccessToken}
	default:
		return nil
	}
}

// TLSConfig returns the client TLS configuration for mTLS credentials,
// or nil for every other variant.
func (c Credential) TLSConfig() (*tls.Config, error) {
	if c.Type != TypeMTLS {
		return nil, nil
	}

	cert, err := tls.X509KeyPair([]byte(c.ClientCert), []byte(c.ClientKey))
	if err != nil {
		return nil, fmt.Errorf("failed to load mTLS keypair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.CABundle != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(c.CABundle)) {
			return nil, fmt.Errorf("failed to parse CA bundle")
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// Validate rejects structurally incomplete credentials.
func (c Credential) Validate() error {
	switch c.Type {
	case "", TypeNone:
		return nil
	case TypeBearer:
		if c.Token == "" {
			return fmt.Errorf("bearer credential requires token")
		}
	case TypeBasic:
		if c.Username == "" {
			return fmt.Errorf("basic credential requires username")
		}
	case TypeAPIKey:
		if c.Value == "" {
			return fmt.Errorf("api_key credential requires value")
		}
	case TypeOAuth2:
		if c.AccessToken == "" {
			return fmt.Errorf("oauth2 credential requires access_token")
		}
	case TypeMTLS:
		if c.ClientCert == "" || c.ClientKey == "" {
			return fmt.Errorf("mtls credential requires client_cert and client_key")
		}
	default:
		return fmt.Errorf("unknown credential type %q", c.Type)
	}
	return nil
}
