// ABOUTME: JWKS fetching, parsing, and background refresh for token verification
// ABOUTME: RSA keys held by kid under RWMutex; a failed refresh keeps the old set

package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/talkwire/talkwire/internal/fault"
)

const (
	jwksRefreshInterval = 24 * time.Hour
	issuerDialTimeout   = 2 * time.Second
	issuerTotalTimeout  = 5 * time.Second
)

// issuerHTTPClient is the client used for every issuer endpoint: fail
// fast on a dead host, bound the whole exchange.
func issuerHTTPClient() *http.Client {
	return &http.Client{
		Timeout: issuerTotalTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: issuerDialTimeout}).DialContext,
		},
	}
}

// issuerBreaker trips after three consecutive failures and probes again
// after thirty seconds, so a flapping issuer cannot pile up requests.
// A fault-tagged error means the issuer answered and rejected the
// credential; only errors reaching the issuer count against the breaker.
func issuerBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var fe *fault.Error
			return errors.As(err, &fe)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

// jwk is one key from the issuer's JWKS document.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// KeySet holds the issuer's current RSA public keys by kid and
// refreshes them daily in the background.
type KeySet struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey

	done      chan struct{}
	closeOnce sync.Once
}

// NewKeySet fetches the initial key set from url and starts the refresh
// loop. Construction fails if the first fetch does, so the gateway never
// comes up without keys to verify against.
func NewKeySet(ctx context.Context, url string, logger *slog.Logger) (*KeySet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "identity")

	ks := &KeySet{
		url:     url,
		client:  issuerHTTPClient(),
		breaker: issuerBreaker("jwks", logger),
		logger:  logger,
		done:    make(chan struct{}),
	}

	keys, err := ks.fetch(ctx)
	if err != nil {
		return nil, err
	}
	ks.keys = keys
	ks.logger.Info("jwks loaded", "url", url, "keys", len(keys))

	go ks.refreshLoop()
	return ks, nil
}

// Key returns the RSA public key for kid.
func (ks *KeySet) Key(kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.keys[kid]
	if !ok {
		return nil, fault.Unauthorized(fault.CodeUnknownKid, "no key for kid "+kid)
	}
	return key, nil
}

// Close stops the refresh loop. Safe to call more than once.
func (ks *KeySet) Close() {
	ks.closeOnce.Do(func() { close(ks.done) })
}

func (ks *KeySet) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	result, err := ks.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
		if err != nil {
			return nil, fmt.Errorf("building jwks request: %w", err)
		}
		resp, err := ks.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching jwks: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching jwks: unexpected status %d", resp.StatusCode)
		}
		var doc jwksDocument
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding jwks: %w", err)
		}
		return ks.parseKeys(doc), nil
	})
	if err != nil {
		return nil, err
	}

	keys := result.(map[string]*rsa.PublicKey)
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks at %s contains no usable RSA signing keys", ks.url)
	}
	return keys, nil
}

// parseKeys keeps every RSA signing key it can decode and skips the
// rest, so one malformed entry cannot poison a rotation.
func (ks *KeySet) parseKeys(doc jwksDocument) map[string]*rsa.PublicKey {
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := parseRSAKey(k)
		if err != nil {
			ks.logger.Warn("skipping unparseable jwk", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	return keys
}

func parseRSAKey(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("zero public exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

func (ks *KeySet) refreshLoop() {
	ticker := time.NewTicker(jwksRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ks.refresh()
		case <-ks.done:
			return
		}
	}
}

func (ks *KeySet) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), issuerTotalTimeout)
	defer cancel()

	keys, err := ks.fetch(ctx)
	if err != nil {
		// Verification continues against the stale set until a later
		// tick succeeds.
		ks.logger.Warn("jwks refresh failed, keeping current keys", "error", err)
		return
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.mu.Unlock()
	ks.logger.Info("jwks refreshed", "keys", len(keys))
}
