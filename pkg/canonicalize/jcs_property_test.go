package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// maxSafeInteger is the largest integer exactly representable as a double (2^53 - 1).
const maxSafeInteger = 1<<53 - 1

// Property: key insertion order never changes the canonical form.
func TestCanonicalize_InsertionOrderIrrelevant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("forward and reverse built maps encode identically", prop.ForAll(
		func(keys []string, values []int64) bool {
			forward := make(map[string]any)
			reverse := make(map[string]any)
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				forward[keys[i]] = values[i]
			}
			for i := n - 1; i >= 0; i-- {
				reverse[keys[i]] = forward[keys[i]]
			}

			a, errA := Canonicalize(forward)
			b, errB := Canonicalize(reverse)
			return errA == nil && errB == nil && a == b
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64Range(-1<<40, 1<<40)),
	))

	properties.TestingRun(t)
}

// Property: integers encode identically whatever Go type carries them.
func TestCanonicalize_NumericFormattingSourceIrrelevant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("int64, float64 and json.Number agree", prop.ForAll(
		func(n int64) bool {
			asInt, err1 := Canonicalize(n)
			asFloat, err2 := Canonicalize(float64(n))
			raw, _ := json.Marshal(n)
			asNumber, err3 := Canonicalize(json.Number(string(raw)))
			return err1 == nil && err2 == nil && err3 == nil &&
				asInt == asFloat && asFloat == asNumber
		},
		gen.Int64Range(-maxSafeInteger, maxSafeInteger),
	))

	properties.TestingRun(t)
}

// Property: canonicalizing canonical output is the identity.
func TestCanonicalize_Idempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Canonicalize(Canonicalize(v)) == Canonicalize(v)", prop.ForAll(
		func(keys []string, f float64) bool {
			v := map[string]any{}
			for i, k := range keys {
				v[k] = []any{f, k, i%2 == 0}
			}
			once, err := Canonicalize(v)
			if err != nil {
				return false
			}
			twice, err := Canonicalize(json.RawMessage(once))
			return err == nil && once == twice
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Float64Range(-1e12, 1e12),
	))

	properties.TestingRun(t)
}
