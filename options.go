package courier

// RequestInterceptor gives the hosting node a chance to produce a task
// for a request addressed at one of its partitions (gpid set) before the
// plain handler registry is consulted. Returning nil falls through to the
// dispatcher.
type RequestInterceptor func(msg *Message) *RequestTask

type Option func(*engineConfig)

type engineConfig struct {
	cfg             Config
	executorWorkers int
	executor        *Executor
	resolverManager *ResolverManager
	interceptor     RequestInterceptor
}

func defaultEngineConfig() engineConfig {
	return engineConfig{}
}

// WithExecutorWorkers sets the size of the engine-owned executor pool.
// Default: GOMAXPROCS.
func WithExecutorWorkers(n int) Option {
	return func(c *engineConfig) {
		c.executorWorkers = n
	}
}

// WithExecutor shares an externally owned executor. The engine will not
// stop it on shutdown.
func WithExecutor(e *Executor) Option {
	return func(c *engineConfig) {
		c.executor = e
	}
}

// WithResolverManager wires the URI resolver manager used by Call for URI
// targets.
func WithResolverManager(m *ResolverManager) Option {
	return func(c *engineConfig) {
		c.resolverManager = m
	}
}

// WithRequestInterceptor installs the gpid request interceptor.
func WithRequestInterceptor(i RequestInterceptor) Option {
	return func(c *engineConfig) {
		c.interceptor = i
	}
}

// WithForwardInheritsDeadline makes a FORWARD_TO_OTHERS redirect inherit
// the remaining timeout budget instead of restarting with the original.
func WithForwardInheritsDeadline(on bool) Option {
	return func(c *engineConfig) {
		c.cfg.ForwardInheritsDeadline = on
	}
}
