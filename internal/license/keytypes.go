package license

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"licensed/internal/catalog"
	apperrors "licensed/internal/errors"
)

// Built-in key type slugs
const (
	KeyTypeRandom  = "random"
	KeyTypePattern = "pattern"
	KeyTypeDerived = "derived"
)

// DefaultPattern is used by the pattern generator when the product sets none
const DefaultPattern = "XXXXX-XXXXX-XXXXX-XXXXX"

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// KeyRequest carries what a generator may use to mint a key string
type KeyRequest struct {
	Product     catalog.Product
	Transaction catalog.Transaction
	// LineIndex is the position of the purchased item within the transaction
	LineIndex int
}

// Generator mints key strings for one key type
type Generator interface {
	Generate(ctx context.Context, req KeyRequest) (string, error)
}

// GeneratorFunc adapts a function to Generator
type GeneratorFunc func(ctx context.Context, req KeyRequest) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req KeyRequest) (string, error) {
	return f(ctx, req)
}

// Registry maps key type slugs to generators. It is built at startup and
// handed to the key engine.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{generators: make(map[string]Generator)}
}

// NewDefaultRegistry registers the random and pattern generators, plus the
// derived generator when secret is non-empty.
func NewDefaultRegistry(secret []byte) *Registry {
	r := NewRegistry()
	_ = r.Register(KeyTypeRandom, RandomGenerator{Groups: 4, GroupLen: 5})
	_ = r.Register(KeyTypePattern, PatternGenerator{})
	if len(secret) > 0 {
		_ = r.Register(KeyTypeDerived, DerivedGenerator{Secret: secret})
	}
	return r
}

// Register adds a generator under slug
func (r *Registry) Register(slug string, g Generator) error {
	if slug == "" || g == nil {
		return fmt.Errorf("key type requires a slug and a generator")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.generators[slug]; exists {
		return fmt.Errorf("key type %q already registered", slug)
	}
	r.generators[slug] = g
	return nil
}

// Slugs lists the registered key types in order
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.generators))
	for slug := range r.generators {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Generate mints a key with the generator registered under slug. An empty
// slug selects the random generator.
func (r *Registry) Generate(ctx context.Context, slug string, req KeyRequest) (string, error) {
	if slug == "" {
		slug = KeyTypeRandom
	}
	r.mu.RLock()
	g, ok := r.generators[slug]
	r.mu.RUnlock()
	if !ok {
		return "", apperrors.Validation("key_type", fmt.Sprintf("unknown key type %q", slug))
	}
	return g.Generate(ctx, req)
}

// RandomGenerator produces base32 keys from crypto/rand, split into groups
type RandomGenerator struct {
	Groups   int
	GroupLen int
}

func (g RandomGenerator) Generate(ctx context.Context, _ KeyRequest) (string, error) {
	return encodeGroups(rand.Reader, g.Groups, g.GroupLen)
}

// DerivedGenerator derives a key with HKDF-SHA256 from a server secret and the
// purchase coordinates, so a retried purchase event yields the same key.
type DerivedGenerator struct {
	Secret []byte
}

func (g DerivedGenerator) Generate(ctx context.Context, req KeyRequest) (string, error) {
	info := fmt.Sprintf("licensed:key:%d:%d:%d", req.Transaction.ID, req.Product.ID, req.LineIndex)
	return encodeGroups(hkdf.New(sha256.New, g.Secret, nil, []byte(info)), 4, 6)
}

func encodeGroups(src io.Reader, groups, groupLen int) (string, error) {
	if groups <= 0 || groupLen <= 0 {
		return "", fmt.Errorf("key layout needs positive groups and group length")
	}
	chars := groups * groupLen
	buf := make([]byte, (chars*5+7)/8)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("read key material: %w", err)
	}
	encoded := keyEncoding.EncodeToString(buf)[:chars]

	parts := make([]string, groups)
	for i := range parts {
		parts[i] = encoded[i*groupLen : (i+1)*groupLen]
	}
	return strings.Join(parts, "-"), nil
}

const (
	upperAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerAlphabet = "abcdefghijklmnopqrstuvwxyz"
	digitAlphabet = "0123456789"
	mixedAlphabet = upperAlphabet + digitAlphabet
)

// PatternGenerator fills the product's key pattern: X upper-case letter,
// x lower-case letter, 9 digit, # upper-case letter or digit. Other runes are
// copied as is.
type PatternGenerator struct{}

func (PatternGenerator) Generate(ctx context.Context, req KeyRequest) (string, error) {
	pattern := req.Product.Licensing.KeyPattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	return fillPattern(pattern)
}

func fillPattern(pattern string) (string, error) {
	var b strings.Builder
	placeholders := 0
	for _, r := range pattern {
		var alphabet string
		switch r {
		case 'X':
			alphabet = upperAlphabet
		case 'x':
			alphabet = lowerAlphabet
		case '9':
			alphabet = digitAlphabet
		case '#':
			alphabet = mixedAlphabet
		default:
			b.WriteRune(r)
			continue
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("read key material: %w", err)
		}
		b.WriteByte(alphabet[n.Int64()])
		placeholders++
	}
	if placeholders == 0 {
		return "", apperrors.Validation("key_pattern", "pattern has no placeholders")
	}
	return b.String(), nil
}
