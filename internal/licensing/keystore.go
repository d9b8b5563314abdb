package licensing

import (
	"crypto/rsa"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/skillgate/skillgate/internal/metrics"
)

// KeySource names where verification key material comes from. Value wins over
// EnvVar when both are set.
type KeySource struct {
	Value  string
	EnvVar string
}

// KeyStore caches the parsed verification key for one key source.
//
// A cached key is served until its TTL elapses (a zero TTL never elapses) or
// Clear is called. A failed import empties the slot, so a stale key is never
// used after its replacement could not be loaded.
type KeyStore struct {
	source    KeySource
	static    *rsa.PublicKey
	ttl       time.Duration
	now       func() time.Time
	lookupEnv func(string) (string, bool)
	group     singleflight.Group

	mu         sync.RWMutex
	key        *rsa.PublicKey
	importedAt time.Time
	imports    uint64
}

// KeyStoreOption customises a KeyStore.
type KeyStoreOption func(*KeyStore)

// WithKeyClock overrides the clock used for TTL checks.
func WithKeyClock(now func() time.Time) KeyStoreOption {
	return func(s *KeyStore) { s.now = now }
}

// WithEnvLookup overrides environment lookups.
func WithEnvLookup(lookup func(string) (string, bool)) KeyStoreOption {
	return func(s *KeyStore) { s.lookupEnv = lookup }
}

// NewKeyStore creates a store for source. Nothing is imported until first use.
func NewKeyStore(source KeySource, ttl time.Duration, opts ...KeyStoreOption) *KeyStore {
	s := &KeyStore{
		source:    source,
		ttl:       ttl,
		now:       time.Now,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStaticKeyStore wraps an already-parsed key. The key never expires.
func NewStaticKeyStore(key *rsa.PublicKey) *KeyStore {
	s := NewKeyStore(KeySource{}, 0)
	s.static = key
	return s
}

// Key returns the cached key, importing it when the slot is empty or expired.
func (s *KeyStore) Key() (*rsa.PublicKey, error) {
	s.mu.RLock()
	key, fresh := s.key, s.freshLocked()
	s.mu.RUnlock()
	if key != nil && fresh {
		return key, nil
	}
	return s.load("cache_miss")
}

// Reload imports the key again, bypassing the cache.
func (s *KeyStore) Reload() (*rsa.PublicKey, error) {
	return s.load("reload")
}

// Clear drops the cached key. The next Key call re-imports it.
func (s *KeyStore) Clear() {
	s.mu.Lock()
	s.key = nil
	s.importedAt = time.Time{}
	s.mu.Unlock()
}

// Imports reports how many successful imports the store has performed.
func (s *KeyStore) Imports() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.imports
}

func (s *KeyStore) freshLocked() bool {
	if s.key == nil {
		return false
	}
	if s.ttl <= 0 {
		return true
	}
	return s.now().Sub(s.importedAt) < s.ttl
}

func (s *KeyStore) load(trigger string) (*rsa.PublicKey, error) {
	v, err, _ := s.group.Do("import", func() (interface{}, error) {
		key, err := s.importKey()

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.key = nil
			s.importedAt = time.Time{}
			return nil, err
		}
		s.key = key
		s.importedAt = s.now()
		s.imports++
		return key, nil
	})

	metrics.Get().RecordKeyImport(trigger, err == nil)
	if err != nil {
		log.Warn().Err(err).Str("trigger", trigger).Msg("License verification key import failed")
		return nil, err
	}
	log.Debug().Str("trigger", trigger).Msg("License verification key imported")
	return v.(*rsa.PublicKey), nil
}

func (s *KeyStore) importKey() (*rsa.PublicKey, error) {
	if s.static != nil {
		return s.static, nil
	}
	material := s.source.Value
	if material == "" && s.source.EnvVar != "" {
		material, _ = s.lookupEnv(s.source.EnvVar)
	}
	if material == "" {
		return nil, ErrNoVerificationKey
	}
	return ParsePublicKey(material)
}
