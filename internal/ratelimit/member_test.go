package ratelimit

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMember_UniqueForSameInstant(t *testing.T) {
	now := time.UnixMicro(1700000000000000)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		m := member(now)
		assert.True(t, strings.HasPrefix(m, "1700000000000000-"))
		assert.False(t, seen[m], "duplicate member %s", m)
		seen[m] = true
	}
}
