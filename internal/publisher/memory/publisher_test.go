package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecords(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "first")
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)
	id, err = p.Publish(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id)
	assert.Equal(t, []any{"first", "second"}, p.Payloads())

	p.Err = errors.New("broker down")
	_, err = p.Publish(context.Background(), "third")
	require.EqualError(t, err, "broker down")
	assert.Len(t, p.Payloads(), 2)
}
