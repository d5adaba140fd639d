package ledger

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For any sequence of appended events: event[1].hash_prev == Genesis,
// event[k].hash_prev == event[k-1].hash_self, and VerifyChain holds.
func TestChainInvariantHoldsForArbitrarySequences(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("appends always produce a verifiable chain", prop.ForAll(
		func(titles []string) bool {
			s := newTestStore(t)
			ctx := context.Background()
			for i, title := range titles {
				_, err := s.Append(ctx, "prop-case", Draft{
					Type:    "note",
					Actor:   "prop",
					Title:   title,
					Payload: map[string]interface{}{"i": i, "title": title},
				})
				if err != nil {
					return false
				}
			}
			events, err := s.Events(ctx, "prop-case")
			if err != nil || len(events) != len(titles) {
				return false
			}
			prev := Genesis
			for _, e := range events {
				if e.HashPrev != prev {
					return false
				}
				prev = e.HashSelf
			}
			report, err := s.VerifyChain(ctx, "prop-case")
			return err == nil && report.Valid
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
