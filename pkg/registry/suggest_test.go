package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuggestExactMatchWins(t *testing.T) {
	used := []string{"svc-a", "svc-a-blue"}
	assert.Equal(t, "svc-a-blue", Suggest("svc-a-blue", used))
}

func TestSuggestLongestPrefix(t *testing.T) {
	used := []string{"svc", "svc-a"}
	assert.Equal(t, "svc-a", Suggest("svc-a-canary", used))

	// Order of used names must not matter
	used = []string{"svc-a", "svc"}
	assert.Equal(t, "svc-a", Suggest("svc-a-canary", used))
}

func TestSuggestStripsVariantSuffix(t *testing.T) {
	cases := map[string]string{
		"checkout-blue":    "checkout",
		"checkout-green":   "checkout",
		"checkout-canary":  "checkout",
		"checkout-prod":    "checkout",
		"checkout-dev":     "checkout",
		"checkout-staging": "checkout",
		"payments-v2":      "payments",
		"payments-v10":     "payments",
	}
	for in, want := range cases {
		assert.Equal(t, want, Suggest(in, nil), "input %q", in)
	}
}

func TestSuggestStripsOnlyOneSuffix(t *testing.T) {
	assert.Equal(t, "checkout-blue", Suggest("checkout-blue-canary", nil))
}

func TestSuggestPassthrough(t *testing.T) {
	assert.Equal(t, "checkout", Suggest("checkout", nil))
	assert.Equal(t, "checkout-vnext", Suggest("checkout-vnext", nil))
}
