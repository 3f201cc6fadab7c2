package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	id         string
	startCalls int
	stopCalls  int
	handler    InboundHandler
}

func (s *stubAdapter) ID() string                 { return s.id }
func (s *stubAdapter) DeliveryMode() DeliveryMode { return DeliveryDirect }
func (s *stubAdapter) ResolveTarget(to string) (Target, error) {
	return Target{Channel: s.id, To: to}, nil
}
func (s *stubAdapter) SendText(context.Context, TextRequest) (DeliveryResult, error) {
	return DeliveryResult{Channel: s.id}, nil
}
func (s *stubAdapter) SendMedia(context.Context, MediaRequest) (DeliveryResult, error) {
	return DeliveryResult{Channel: s.id}, nil
}
func (s *stubAdapter) Start(_ context.Context, h InboundHandler) error {
	s.startCalls++
	s.handler = h
	return nil
}
func (s *stubAdapter) Stop(context.Context) error {
	s.stopCalls++
	return nil
}

func configured(ids ...string) Settings {
	set := map[string]bool{}
	for _, id := range ids {
		set[id] = true
	}
	return SettingsFunc(func(id string) bool { return set[id] })
}

func newTestRegistry(t *testing.T, ids ...string) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, id := range ids {
		require.NoError(t, r.Register(&stubAdapter{id: id}))
	}
	return r
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubAdapter{id: "telegram"}))

	assert.Error(t, r.Register(&stubAdapter{id: "telegram"}), "duplicate id")
	assert.Error(t, r.Register(&stubAdapter{id: "  "}), "blank id")
	assert.Error(t, r.Register(nil))

	a, ok := r.Get("telegram")
	require.True(t, ok)
	assert.Equal(t, "telegram", a.ID())
}

func TestResolveNoChannelsConfigured(t *testing.T) {
	r := newTestRegistry(t, "telegram", "gateway")

	_, err := r.Resolve("", configured())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelRequired)
	assert.EqualError(t, err, "channel required: no channels detected")
}

func TestResolveSingleConfiguredIsAutoSelected(t *testing.T) {
	r := newTestRegistry(t, "telegram", "gateway")

	a, err := r.Resolve("", configured("gateway"))
	require.NoError(t, err)
	assert.Equal(t, "gateway", a.ID())
}

func TestResolveAmbiguousNamesBoth(t *testing.T) {
	r := newTestRegistry(t, "telegram", "gateway")

	_, err := r.Resolve("", configured("telegram", "gateway"))
	require.Error(t, err)

	var reqErr *ChannelRequiredError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, []string{"gateway", "telegram"}, reqErr.Available)
	assert.EqualError(t, err, "channel required: ambiguous, specify one of: gateway, telegram")
}

func TestResolveNamedChannel(t *testing.T) {
	r := newTestRegistry(t, "telegram", "gateway")
	cfg := configured("telegram", "gateway")

	a, err := r.Resolve(" Telegram ", cfg)
	require.NoError(t, err)
	assert.Equal(t, "telegram", a.ID())

	_, err = r.Resolve("slack", cfg)
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.EqualError(t, err, `unknown channel "slack"`)

	_, err = r.Resolve("gateway", configured("telegram"))
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.EqualError(t, err, `channel "gateway" is not configured`)
}

func TestListConfiguredChannelsIgnoresUnregistered(t *testing.T) {
	r := newTestRegistry(t, "telegram")

	assert.Equal(t, []string{"telegram"}, r.ListConfiguredChannels(configured("telegram", "gateway")))
	assert.Empty(t, r.ListConfiguredChannels(nil))
}

func TestStartStopLifecycle(t *testing.T) {
	r := NewRegistry()
	tg := &stubAdapter{id: "telegram"}
	gw := &stubAdapter{id: "gateway"}
	require.NoError(t, r.Register(tg))
	require.NoError(t, r.Register(gw))

	handler := func(context.Context, InboundMessage) {}
	require.NoError(t, r.StartAll(context.Background(), configured("telegram"), handler))
	require.NoError(t, r.StartAll(context.Background(), configured("telegram"), handler))

	assert.Equal(t, 1, tg.startCalls)
	assert.Equal(t, 0, gw.startCalls)
	assert.NotNil(t, tg.handler)

	require.NoError(t, r.StopAll(context.Background()))
	assert.Equal(t, 1, tg.stopCalls)
	assert.Equal(t, 0, gw.stopCalls)
}
