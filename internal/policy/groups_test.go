package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sentinelcore/internal/planmodel"
)

func TestResolveAlias(t *testing.T) {
	allowed := map[string][]string{
		"browsers":  {"firefox", "chromium"},
		"utilities": {"thunar"},
	}

	cat, ok := ResolveAlias(allowed, "Firefox")
	assert.True(t, ok)
	assert.Equal(t, "browsers", cat)

	_, ok = ResolveAlias(allowed, "nmap")
	assert.False(t, ok)
}

func TestActionAllowed(t *testing.T) {
	assert.True(t, ActionAllowed(nil, planmodel.ActionClick))
	assert.True(t, ActionAllowed([]planmodel.ActionKind{planmodel.ActionClick, planmodel.ActionType}, planmodel.ActionClick))
	assert.False(t, ActionAllowed([]planmodel.ActionKind{planmodel.ActionClick}, planmodel.ActionType))
}
