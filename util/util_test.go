package util_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/silab-bonn/irradgo/util"
)

func TestLimiterCheck(t *testing.T) {
	l := util.Limiter{Min: 0, Max: 300}
	assert.True(t, l.Check(0))
	assert.True(t, l.Check(300))
	assert.True(t, l.Check(150))
	assert.False(t, l.Check(-1))
	assert.False(t, l.Check(300.1))
}

func TestLimiterZeroValueIsUnbounded(t *testing.T) {
	var l util.Limiter
	assert.True(t, l.Check(-1e9))
	assert.True(t, l.Check(1e9))
	assert.Equal(t, 42.0, l.Clamp(42))
}

func TestLimiterClamp(t *testing.T) {
	l := util.Limiter{Min: -5, Max: 5}
	assert.Equal(t, -5.0, l.Clamp(-100))
	assert.Equal(t, 5.0, l.Clamp(100))
	assert.Equal(t, 3.0, l.Clamp(3))
}
