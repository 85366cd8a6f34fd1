package ctxutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/sapphire/internal/auth"
	"github.com/ashita-ai/sapphire/internal/model"
)

func TestClaimsRoundTrip(t *testing.T) {
	assert.Nil(t, ClaimsFromContext(context.Background()))

	c := &auth.Claims{Name: "kb-agent", Role: model.RoleAgent}
	got := ClaimsFromContext(WithClaims(context.Background(), c))
	assert.Same(t, c, got)
}
