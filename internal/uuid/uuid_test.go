package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id1 := New()
	id2 := New()

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
	assert.True(t, Valid(id1))
	assert.False(t, Valid("not-a-uuid"))
}
