package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func floatPtr(f float64) *float64 { return &f }

func TestValidateResponse(t *testing.T) {
	testCases := []struct {
		name     string
		response Response
		valid    bool
	}{
		{"plain message", Response{Message: "a solid argument"}, true},
		{"with confidence", Response{Message: "sure", Confidence: floatPtr(0.75)}, true},
		{"confidence at bounds", Response{Message: "sure", Confidence: floatPtr(1.0)}, true},
		{"empty message", Response{Message: ""}, false},
		{"message too long", Response{Message: strings.Repeat("x", MaxResponseChars+1)}, false},
		{"message at limit", Response{Message: strings.Repeat("x", MaxResponseChars)}, true},
		{"confidence below zero", Response{Message: "m", Confidence: floatPtr(-0.1)}, false},
		{"confidence above one", Response{Message: "m", Confidence: floatPtr(1.1)}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateResponse(&tc.response)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPendingTableResolve(t *testing.T) {
	p := newPendingTable()

	ch := p.register("req-1")
	assert.Equal(t, 1, p.size())

	resolved := p.resolve("req-1", pendingResult{response: &Response{Message: "hi"}})
	assert.True(t, resolved)
	assert.Equal(t, 0, p.size())

	result := <-ch
	assert.NoError(t, result.err)
	assert.Equal(t, "hi", result.response.Message)
}

func TestPendingTableLateResponse(t *testing.T) {
	p := newPendingTable()

	p.register("req-1")
	p.discard("req-1")

	// A response after the caller gave up resolves nothing.
	assert.False(t, p.resolve("req-1", pendingResult{response: &Response{Message: "late"}}))
	assert.False(t, p.resolve("never-registered", pendingResult{}))
}

func TestPendingTableIndependentRequests(t *testing.T) {
	p := newPendingTable()

	ch1 := p.register("req-1")
	ch2 := p.register("req-2")

	assert.True(t, p.resolve("req-2", pendingResult{response: &Response{Message: "two"}}))

	select {
	case <-ch1:
		t.Fatal("resolving req-2 must not touch req-1")
	default:
	}
	assert.Equal(t, "two", (<-ch2).response.Message)
}
