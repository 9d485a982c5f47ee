// Package auth verifies bearer tokens and extracts the caller's
// organization, role and permissions.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates tokens. Modes: dev (org:role[:perm,perm], no
// signature), hmac (HS256) and jwks (RS256 keys fetched from JWKSURL).
type Verifier struct {
	Mode       string
	HMACSecret []byte
	JWKSURL    string
	http       *http.Client
	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	lastFetch  time.Time
	cacheTTL   time.Duration
}

// Principal is the authenticated caller.
type Principal struct {
	OrgID       string
	Role        string // admin, dispatcher, crew
	Subject     string
	Permissions []string
}

func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// Can reports whether the principal holds perm. "*" grants everything.
func (p Principal) Can(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm || have == "*" {
			return true
		}
	}
	return false
}

// Claims is the token body issued to API callers.
type Claims struct {
	Org   string   `json:"org"`
	Role  string   `json:"role"`
	Perms []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

func NewVerifier(mode, hmacSecret, jwksURL string) *Verifier {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{
		Mode:       mode,
		HMACSecret: []byte(hmacSecret),
		JWKSURL:    jwksURL,
		http:       &http.Client{Timeout: 5 * time.Second},
		keys:       map[string]*rsa.PublicKey{},
		cacheTTL:   10 * time.Minute,
	}
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == "dev" {
		return parseDevToken(token)
	}
	var claims Claims
	var parser *jwt.Parser
	var keyFunc jwt.Keyfunc
	switch v.Mode {
	case "hmac":
		parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
		keyFunc = func(*jwt.Token) (any, error) { return v.HMACSecret, nil }
	case "jwks":
		parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired())
		keyFunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.rsaKey(context.Background(), kid)
		}
	default:
		return Principal{}, fmt.Errorf("unsupported auth mode %q", v.Mode)
	}
	if _, err := parser.ParseWithClaims(token, &claims, keyFunc); err != nil {
		return Principal{}, err
	}
	if claims.Org == "" {
		return Principal{}, errors.New("missing org claim")
	}
	role := strings.ToLower(claims.Role)
	if role == "" {
		role = "crew"
	}
	return Principal{OrgID: claims.Org, Role: role, Subject: claims.Subject, Permissions: claims.Perms}, nil
}

// Sign issues an HS256 token; used by tooling and tests.
func (v *Verifier) Sign(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{Org: p.OrgID, Role: p.Role, Perms: p.Permissions, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   p.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.HMACSecret)
}

func parseDevToken(token string) (Principal, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Principal{}, errors.New("invalid dev token; expected org:role[:perm,perm]")
	}
	p := Principal{OrgID: parts[0], Role: strings.ToLower(parts[1])}
	if len(parts) == 3 {
		p.Permissions = SplitPermissions(parts[2])
	}
	return p, nil
}

// SplitPermissions parses a comma separated permission list.
func SplitPermissions(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (v *Verifier) rsaKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}
	if err := v.fetchJWKS(ctx); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, errors.New("kid not found in JWKS")
}

func (v *Verifier) fetchJWKS(ctx context.Context) error {
	if v.JWKSURL == "" {
		return errors.New("AUTH_JWKS_URL not set")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.JWKSURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return err
	}
	keys := map[string]*rsa.PublicKey{}
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return err
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return err
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
	}
	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
