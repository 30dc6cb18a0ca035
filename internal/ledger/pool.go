package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Kind discriminates the two pool shapes the venue supports.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSpot         // dual-asset, amounts must be value-balanced
	KindPerp         // single-asset margin pool
)

func (k Kind) String() string {
	switch k {
	case KindSpot:
		return "spot"
	case KindPerp:
		return "perp"
	default:
		return "unknown"
	}
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "spot":
		return KindSpot, nil
	case "perp":
		return KindPerp, nil
	default:
		return KindUnknown, fmt.Errorf("unknown pool kind %q", s)
	}
}

// Token is the registry's metadata for one supported asset.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Pool ties a local liquidity bucket to one venue product.
// Kind and VenueRoute are immutable after registration; the token set may
// grow (admin action) but never shrinks.
type Pool struct {
	ID         uint32
	VenueRoute common.Address
	Kind       Kind
	Tokens     []Token
}

// TokenIndex returns the position of token in the pool's token list, or -1.
func (p *Pool) TokenIndex(token common.Address) int {
	for i, t := range p.Tokens {
		if t.Address == token {
			return i
		}
	}
	return -1
}

// Registry maps pool ids (the venue's product identifiers) to pool metadata.
// Not thread-safe — only accessed from the single-threaded engine.
type Registry struct {
	pools     map[uint32]*Pool
	tokenMeta map[common.Address]Token
}

func NewRegistry() *Registry {
	return &Registry{
		pools:     make(map[uint32]*Pool),
		tokenMeta: make(map[common.Address]Token),
	}
}

// AddPool registers a pool once. Spot pools carry exactly two tokens, perp
// pools exactly one.
func (r *Registry) AddPool(id uint32, venueRoute common.Address, kind Kind, tokens []Token) (*Pool, error) {
	if _, exists := r.pools[id]; exists {
		return nil, fmt.Errorf("pool %d already registered", id)
	}

	switch kind {
	case KindSpot:
		if len(tokens) != 2 {
			return nil, fmt.Errorf("spot pool %d needs 2 tokens, got %d", id, len(tokens))
		}
	case KindPerp:
		if len(tokens) != 1 {
			return nil, fmt.Errorf("perp pool %d needs 1 token, got %d", id, len(tokens))
		}
	default:
		return nil, fmt.Errorf("pool %d has invalid kind", id)
	}

	pool := &Pool{
		ID:         id,
		VenueRoute: venueRoute,
		Kind:       kind,
		Tokens:     append([]Token(nil), tokens...),
	}
	r.pools[id] = pool

	for _, t := range tokens {
		r.tokenMeta[t.Address] = t
	}

	return pool, nil
}

// AddToken grows a pool's token set. Existing tokens are never removed.
func (r *Registry) AddToken(poolID uint32, token Token) error {
	pool, ok := r.pools[poolID]
	if !ok {
		return fmt.Errorf("pool %d not registered", poolID)
	}
	if pool.TokenIndex(token.Address) >= 0 {
		return fmt.Errorf("pool %d already lists token %s", poolID, token.Address.Hex())
	}

	pool.Tokens = append(pool.Tokens, token)
	r.tokenMeta[token.Address] = token
	return nil
}

// Pool returns the pool for id, or false if unregistered.
func (r *Registry) Pool(id uint32) (*Pool, bool) {
	p, ok := r.pools[id]
	return p, ok
}

// PoolsWithToken lists every pool whose token set includes token,
// in ascending pool-id order is NOT guaranteed; callers sort if they care.
func (r *Registry) PoolsWithToken(token common.Address) []*Pool {
	var out []*Pool
	for _, p := range r.pools {
		if p.TokenIndex(token) >= 0 {
			out = append(out, p)
		}
	}
	return out
}

// TokenDecimals implements pricing.DecimalSource.
func (r *Registry) TokenDecimals(token common.Address) (uint8, error) {
	meta, ok := r.tokenMeta[token]
	if !ok {
		return 0, fmt.Errorf("token %s not registered", token.Hex())
	}
	return meta.Decimals, nil
}

// RegisterToken records token metadata outside any pool, e.g. the venue's
// quote asset, so the pricer can resolve its decimals.
func (r *Registry) RegisterToken(meta Token) {
	r.tokenMeta[meta.Address] = meta
}

// KnownToken reports whether any pool lists the token.
func (r *Registry) KnownToken(token common.Address) bool {
	_, ok := r.tokenMeta[token]
	return ok
}

// PoolIDs returns all registered ids (unordered).
func (r *Registry) PoolIDs() []uint32 {
	ids := make([]uint32, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	return ids
}
