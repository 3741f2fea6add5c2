package dev

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionAndAct(t *testing.T) {
	t.Parallel()
	p := NewProvisioner()
	sess, err := p.Provision(context.Background(), "ord-1")
	require.NoError(t, err)
	client, ok := sess.Client.(*Client)
	require.True(t, ok)

	resp, err := client.Act(context.Background(), "Go to the storefront")
	require.NoError(t, err)
	assert.Contains(t, resp, "Confirmation number: DEV-1")
	assert.Equal(t, []string{"Go to the storefront"}, client.Instructions())
}

func TestReleasedSessionRejectsInstructions(t *testing.T) {
	t.Parallel()
	p := NewProvisioner()
	sess, err := p.Provision(context.Background(), "ord-1")
	require.NoError(t, err)
	client := sess.Client.(*Client)

	require.NoError(t, client.Release(context.Background()))
	assert.True(t, client.Released())

	_, err = client.Act(context.Background(), "anything")
	require.Error(t, err)
	_, err = client.Observe(context.Background())
	require.Error(t, err)
}

func TestObserveTracksActions(t *testing.T) {
	t.Parallel()
	p := NewProvisioner()
	sess, err := p.Provision(context.Background(), "ord-1")
	require.NoError(t, err)
	client := sess.Client.(*Client)

	page, err := client.Observe(context.Background())
	require.NoError(t, err)
	assert.Contains(t, page, "0 actions taken")

	require.NoError(t, client.Execute(context.Background(), "click add to cart"))
	page, err = client.Observe(context.Background())
	require.NoError(t, err)
	assert.Contains(t, page, "1 actions taken")
}

func TestLiveViewURL(t *testing.T) {
	t.Parallel()
	p := NewProvisioner()
	sess, err := p.Provision(context.Background(), "ord-7")
	require.NoError(t, err)
	client := sess.Client.(*Client)

	url, err := client.GenerateLiveViewURL(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:0/live/ord-7?ttl=300", url)
}
