package engine

import (
	"fmt"
	"log/slog"

	"github.com/medscanhq/segpipe/pkg/models"
)

// Session is a loaded model bound to one execution provider. Run takes a
// (1, 1, Z, Y, X) float32 patch flattened in row-major order and returns
// (1, num_classes, Z, Y, X) logits, likewise flattened. Runtime sessions are
// not safe for concurrent Run calls; the leases Engine.Acquire hands out
// serialize Run on the shared session.
type Session interface {
	Run(patch []float32) ([]float32, error)
	Close() error
}

// Runtime opens sessions. The ONNX Runtime implementation lives in onnx.go;
// tests substitute their own.
type Runtime interface {
	Open(desc *models.ModelDescriptor, provider Provider) (Session, error)
}

// Engine resolves model sessions with provider fallback and keeps a bounded
// cache of resident sessions per worker.
type Engine struct {
	runtime   Runtime
	providers []Provider
	cache     *sessionCache
	logger    *slog.Logger
}

func New(runtime Runtime, providers []Provider, cacheSize int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runtime:   runtime,
		providers: providers,
		cache:     newSessionCache(cacheSize),
		logger:    logger,
	}
}

// Acquire leases a session for the model, opening one if none is resident.
// Providers are tried in priority order; an init failure moves to the next
// provider, and only when all fail is ErrProviderUnavailable returned. The
// caller must invoke release when done with the session; the cache holds
// evicted sessions open until their last lease is released.
func (e *Engine) Acquire(desc *models.ModelDescriptor) (sess Session, provider Provider, release func(), err error) {
	if sess, provider, release, ok := e.cache.acquire(desc.Name); ok {
		return sess, provider, release, nil
	}

	var lastErr error
	for _, p := range e.providers {
		opened, err := e.runtime.Open(desc, p)
		if err != nil {
			e.logger.Warn("provider init failed, trying next",
				"model", desc.Name,
				"provider", p.Kind,
				"error", err)
			lastErr = err
			continue
		}
		sess, provider, release := e.cache.insert(desc.Name, opened, p)
		return sess, provider, release, nil
	}
	return nil, Provider{}, nil, fmt.Errorf("%w: model %s: %v", ErrProviderUnavailable, desc.Name, lastErr)
}

// Close releases every resident session.
func (e *Engine) Close() {
	e.cache.clear()
}
