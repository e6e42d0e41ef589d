package attrs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type class string

func (c class) String() string { return string(c) }

func TestExtractString(t *testing.T) {
	attrs := []any{"principal_id", "emp-7", "count", 3, "endpoint_class", class("payroll"), "dangling"}

	assert.Equal(t, "emp-7", ExtractString(attrs, "principal_id"))
	assert.Equal(t, "payroll", ExtractString(attrs, "endpoint_class"))
	assert.Empty(t, ExtractString(attrs, "count"))
	assert.Empty(t, ExtractString(attrs, "dangling"))
	assert.Equal(t, "payroll", FirstString(attrs, "identifier", "endpoint_class"))
}
