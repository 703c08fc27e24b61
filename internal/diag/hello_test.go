package diag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danshapiro/mcpchat/internal/llm/providers/stub"
	"github.com/danshapiro/mcpchat/internal/modelchain"
)

func TestHelloProbe_FallsBackToStub(t *testing.T) {
	chain := modelchain.New(modelchain.DefaultCandidates(), zap.NewNop())
	p := &HelloProbe{Chain: chain, Settings: modelchain.NewSettings(nil, nil, 0, 0, 0)}

	rs := p.Run(context.Background())
	require.Len(t, rs, 2)

	sel := rs[0]
	assert.Equal(t, StatusWarn, sel.Status)
	assert.NotEmpty(t, sel.Hints)
	attempts, ok := sel.Details["attempts"].([]string)
	require.True(t, ok)
	assert.Len(t, attempts, len(modelchain.DefaultCandidates()))

	reply := rs[1]
	assert.Equal(t, StatusWarn, reply.Status)
	assert.Equal(t, stub.Apology, reply.Message)
}
