package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeIP(t *testing.T) {
	assert.Equal(t, "203.0.113.0/24", AnonymizeIP("203.0.113.77"))
	assert.Equal(t, "2001:db8:85a3::/48", AnonymizeIP("2001:db8:85a3:8d3:1319:8a2e:370:7348"))
	assert.Equal(t, "", AnonymizeIP("  "))
	assert.Equal(t, "invalid", AnonymizeIP("not-an-ip"))
}

func TestHashSubject(t *testing.T) {
	a := HashSubject("emp-001")
	b := HashSubject("emp-001")
	c := HashSubject("emp-002")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
	assert.Empty(t, HashSubject(""))
}
