package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskString(t *testing.T) {
	assert.Equal(t, "ab", maskString("ab"))
	assert.Equal(t, "s****t", maskString("secret"))
	assert.Equal(t, "", maskString(""))
}
