package channels

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterAdapterSendText(t *testing.T) {
	var buf bytes.Buffer
	a := NewWriterAdapter("stdout", &buf, Outbound{TextChunkLimit: 11})

	target, err := a.ResolveTarget("")
	require.NoError(t, err)
	assert.Equal(t, "stdout", target.To)

	res, err := a.SendText(context.Background(), TextRequest{Target: target, Text: "alpha beta gamma delta"})
	require.NoError(t, err)
	assert.Len(t, res.MessageIDs, 2)
	assert.Equal(t, "alpha beta\ngamma delta\n", buf.String())
}

func TestWriterAdapterSendMedia(t *testing.T) {
	var buf bytes.Buffer
	a := NewWriterAdapter("stdout", &buf, Outbound{})

	_, err := a.SendMedia(context.Background(), MediaRequest{MediaURL: "https://example.com/a.png", Caption: "chart"})
	require.NoError(t, err)
	assert.Equal(t, "[media] https://example.com/a.png chart\n", buf.String())
}

func TestWriterAdapterRejectsMultilineTarget(t *testing.T) {
	a := NewWriterAdapter("stdout", &bytes.Buffer{}, Outbound{})

	_, err := a.ResolveTarget("a\nb")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTarget)

	var targetErr *DeliveryTargetError
	require.True(t, errors.As(err, &targetErr))
	assert.Equal(t, "stdout", targetErr.Channel)
}
