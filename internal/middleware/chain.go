package middleware

import "net/http"

// Chain composes middlewares around a final handler, applied in the order
// given — Chain(h, A, B) runs A(B(h)). Mirrors grpc_middleware.ChainUnaryServer's
// ordering convention, adapted to net/http's Handler type.
func Chain(final http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
