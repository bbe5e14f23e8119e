package compliance

import (
	"context"
	"log/slog"
	"time"

	"lavish-rpc/router"
)

type Router = router.Router[Params, NotificationParams, Results]

// NewRouter returns a router serving every call of the schema. log
// notifications are written to logger.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := router.New[Params, NotificationParams, Results](logger)

	router.On(r, func(_ context.Context, _ Handle, p DoubleParams) (DoubleResults, error) {
		return DoubleResults{X: p.X * 2}, nil
	})

	handleIdentity[uint8](r)
	handleIdentity[uint16](r)
	handleIdentity[uint32](r)
	handleIdentity[uint64](r)
	handleIdentity[int8](r)
	handleIdentity[int16](r)
	handleIdentity[int32](r)
	handleIdentity[int64](r)
	handleIdentity[bool](r)
	handleIdentity[string](r)
	handleIdentity[[]byte](r)
	handleIdentity[time.Time](r)
	handleIdentity[[]string](r)
	handleIdentity[map[string]bool](r)

	router.OnNotification(r, func(_ context.Context, _ Handle, p LogParams) {
		logger.Info("peer says", slog.String("message", p.Message))
	})
	return r
}

func handleIdentity[T Value](r *Router) {
	router.On(r, func(_ context.Context, _ Handle, p IdentityParams[T]) (IdentityResults[T], error) {
		return IdentityResults[T](p), nil
	})
}
