package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "blank", input: "  ", expected: nil},
		{name: "single broker", input: "kafka:9092", expected: []string{"kafka:9092"}},
		{name: "trims and drops empties", input: " a:1 ,, b:2 ,", expected: []string{"a:1", "b:2"}},
		{name: "dedupes preserving order", input: "loc-2,loc-1,loc-2", expected: []string{"loc-2", "loc-1"}},
		{name: "preserves case", input: "HQ,hq", expected: []string{"HQ", "hq"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.input))
		})
	}
}

func TestDedupe(t *testing.T) {
	assert.Nil(t, Dedupe(nil))
	assert.Equal(t, []string{}, Dedupe([]string{"", "  "}))
}
