// Package scoring implements the stateless route adapters of §4.9: one
// unified shape for every "forward DTO, call an external scorer, forward
// the response" endpoint instead of the source's two copy-paste-divergent
// routers (§9 "two overlapping source subprojects") — one `Scorer`
// interface, parameterized per backend, rather than duplicated router
// types per domain.
package scoring

import "context"

// Scorer is the pure external collaborator the core treats as an opaque
// interface (§1 "the core calls a pure operation score(request) -> response
// and does not reason about its internals"). Each concrete scoring backend
// — credit risk, portfolio optimization, peak voltage — implements this the
// same way whether it's an in-process model or a call to a remote service.
type Scorer interface {
	// Score evaluates one item and returns its result. Implementations
	// must not mutate input.
	Score(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// BatchScore runs scorer over every item in inputs, preserving positional
// alignment: the i-th output corresponds to the i-th input (§4.9 "list
// inputs must preserve positional alignment"). It stops at the first error.
func BatchScore(ctx context.Context, scorer Scorer, inputs []map[string]interface{}) ([]map[string]interface{}, error) {
	results := make([]map[string]interface{}, len(inputs))
	for i, in := range inputs {
		out, err := scorer.Score(ctx, in)
		if err != nil {
			return nil, err
		}
		results[i] = out
	}
	return results, nil
}
