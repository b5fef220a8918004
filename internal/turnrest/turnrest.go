package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Package turnrest mints coturn-compatible TURN REST credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<endpoint_id_or_random>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The long-lived shared secret stays on the server; clients only ever see the
// short-lived username/credential pair.
type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time

	endpointIDSource func() (string, error)
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time

	// EndpointIDSource supplies the id suffix for GenerateRandom. Defaults to
	// 16 bytes of crypto-random hex.
	EndpointIDSource func() (string, error)
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if containsColon(cfg.UsernamePrefix) {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.EndpointIDSource == nil {
		cfg.EndpointIDSource = cryptoRandomID
	}
	return &Generator{
		sharedSecret:     []byte(cfg.SharedSecret),
		ttlSeconds:       cfg.TTLSeconds,
		usernamePrefix:   cfg.UsernamePrefix,
		now:              cfg.Now,
		endpointIDSource: cfg.EndpointIDSource,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func (g *Generator) Generate(endpointID string) (Credentials, error) {
	if endpointID == "" {
		return Credentials{}, errors.New("endpointID is required")
	}
	if containsColon(endpointID) {
		return Credentials{}, errors.New("endpointID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, endpointID)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

func (g *Generator) GenerateRandom() (Credentials, error) {
	id, err := g.endpointIDSource()
	if err != nil {
		return Credentials{}, err
	}
	return g.Generate(id)
}

func cryptoRandomID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
