package backend

import (
	"context"
	"log/slog"

	"github.com/meigma/artifactcache/key"
)

// Strategy is one concrete way of performing an operation against a
// provider whose capabilities cannot be known in advance.
type Strategy struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunStrategies tries each strategy in order and returns the name of the
// first one that succeeds. When every strategy fails it returns an
// *AggregateError listing all of them. A cancelled context stops the walk and
// is recorded as the final attempt.
func RunStrategies(ctx context.Context, logger *slog.Logger, backend, op string, k key.Key, strategies []Strategy) (string, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	agg := &AggregateError{Backend: backend, Op: op, Key: k}
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			agg.Attempts = append(agg.Attempts, Attempt{Name: s.Name, Err: NewError(backend, op, k, ErrTransport, err)})
			break
		}
		err := s.Run(ctx)
		if err == nil {
			logger.Debug("strategy succeeded", "backend", backend, "op", op, "key", k.String(), "strategy", s.Name)
			return s.Name, nil
		}
		logger.Debug("strategy failed", "backend", backend, "op", op, "key", k.String(), "strategy", s.Name, "error", err)
		agg.Attempts = append(agg.Attempts, Attempt{Name: s.Name, Err: err})
	}
	return "", agg
}
