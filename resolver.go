package courier

// URI addressing: a URIAddress names a logical service ("dsn://meta/app").
// Each call through it is resolved to a (partition, ip) pair by a Resolver
// obtained from the ResolverManager the address is bound to, or from the
// engine's ResolverManager for an unbound address. A failed call on a
// resolved partition feeds back into the resolver via OnAccessFailure so
// it can refresh stale routing state before the engine's bounded-backoff
// retry fires.

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// ResolveResult is the outcome of a single resolution attempt.
type ResolveResult struct {
	Err     ErrorCode
	PID     GPID
	Address Address
}

// Resolver maps a partition hash to a concrete partition and endpoint.
// Implementations are expected to be safe for concurrent use.
type Resolver interface {
	// Resolve invokes cb exactly once, on any goroutine, with the
	// resolution outcome. timeoutMS bounds the attempt.
	Resolve(partitionHash uint64, cb func(ResolveResult), timeoutMS int32)

	// OnAccessFailure tells the resolver that a call to the partition it
	// produced failed with err, so it can invalidate cached routing.
	OnAccessFailure(partitionIndex int32, err ErrorCode)
}

// ResolverFactory builds a resolver for a URI. Returning nil means the
// service is unknown; calls through that URI fail with ERR_SERVICE_NOT_FOUND.
type ResolverFactory func(uri string) Resolver

type URIAddress struct {
	uri string
	mgr *ResolverManager
}

func (u *URIAddress) URI() string { return u.uri }

// Resolver returns the resolver for this URI, or nil when none exists.
func (u *URIAddress) Resolver() Resolver {
	if u.mgr == nil {
		return nil
	}
	return u.mgr.Resolver(u.uri)
}

// ResolverManager hands out per-URI resolvers. Resolvers are expensive to
// build (they typically hold routing tables and sessions to a meta
// service), so instances are cached in an LRU keyed by URI; the same URI
// always yields the same resolver until evicted.
type ResolverManager struct {
	mu      sync.Mutex
	factory ResolverFactory
	cache   *lru.Cache
}

const resolverCacheSize = 256

func NewResolverManager(factory ResolverFactory) *ResolverManager {
	cache, err := lru.New(resolverCacheSize)
	if err != nil {
		panic(err)
	}
	return &ResolverManager{factory: factory, cache: cache}
}

// OpenURI returns an Address naming the service at uri, bound to this
// manager for resolution.
func (m *ResolverManager) OpenURI(uri string) Address {
	return NewURIAddress(&URIAddress{uri: uri, mgr: m})
}

// Resolver returns the cached resolver for uri, building one through the
// factory on first use. Returns nil when the factory is absent or
// declines the URI.
func (m *ResolverManager) Resolver(uri string) Resolver {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.cache.Get(uri); ok {
		return v.(Resolver)
	}
	if m.factory == nil {
		return nil
	}
	r := m.factory(uri)
	if r != nil {
		m.cache.Add(uri, r)
	}
	return r
}
