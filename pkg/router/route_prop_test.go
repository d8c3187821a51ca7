package router

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/errclass"
)

// For any priority assignment and any set of open breakers, Route returns
// the admissible provider that sorts first, or no_provider_available when
// every breaker is open.
func TestRouteSelectionProperties(t *testing.T) {
	const providerCount = 6

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("lowest admissible priority wins", prop.ForAll(
		func(priorities []int, openMask int) bool {
			providers := make([]Provider, providerCount)
			for i := range providers {
				providers[i] = Provider{
					ID:       fmt.Sprintf("p%d", i),
					Backend:  &stubBackend{},
					Priority: priorities[i],
					Breaker:  BreakerConfig{FailureThreshold: 1},
				}
			}
			r, err := New(providers, nil)
			require.NoError(t, err)
			for i := 0; i < providerCount; i++ {
				if openMask&(1<<i) != 0 {
					r.RecordOutcome(fmt.Sprintf("p%d", i), false, errclass.Transient)
				}
			}

			// Model: stable priority order, first provider whose
			// breaker is still closed.
			order := make([]int, providerCount)
			for i := range order {
				order[i] = i
			}
			sort.SliceStable(order, func(a, b int) bool {
				return priorities[order[a]] < priorities[order[b]]
			})
			expected := ""
			for _, idx := range order {
				if openMask&(1<<idx) == 0 {
					expected = fmt.Sprintf("p%d", idx)
					break
				}
			}

			route, err := r.Route(testTask())
			if expected == "" {
				return errors.Is(err, ErrNoProviderAvailable)
			}
			return err == nil && route.ProviderID == expected
		},
		gen.SliceOfN(providerCount, gen.IntRange(0, 3)),
		gen.IntRange(0, (1<<providerCount)-1), // every open-mask combination
	))

	properties.TestingRun(t)
}
