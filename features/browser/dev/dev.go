// Package dev provides an in-process browser backend for local development
// and tests. Sessions are fakes: instructions succeed immediately and the
// page observation echoes a canned storefront flow. Production deployments
// wire a real remote browser provisioner instead.
package dev

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drishti-ai/navigator/runtime/browser"
)

// Provisioner hands out fake browser sessions.
type Provisioner struct {
	// LiveViewBase is the URL prefix minted live view links start with.
	LiveViewBase string

	sessions atomic.Int64
}

// NewProvisioner builds a dev provisioner.
func NewProvisioner() *Provisioner {
	return &Provisioner{LiveViewBase: "http://localhost:0/live"}
}

// Provision creates a fake session.
func (p *Provisioner) Provision(_ context.Context, sessionID string) (browser.Session, error) {
	p.sessions.Add(1)
	return browser.Session{
		Client: &Client{id: sessionID, liveViewBase: p.LiveViewBase},
	}, nil
}

// Client is the fake session client. It satisfies the capability interfaces
// the registry probes for and the instruction protocols both agents use.
type Client struct {
	id           string
	liveViewBase string

	mu       sync.Mutex
	acts     []string
	released bool
	manual   bool
	width    int
	height   int
}

// Name identifies the resource in logs.
func (c *Client) Name() string { return "dev-browser" }

// Release marks the session released. Idempotent.
func (c *Client) Release(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	return nil
}

// Act records the instruction and reports scripted success. The confirmation
// number on the final step lets the checkout script complete end to end.
func (c *Client) Act(_ context.Context, instruction string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return "", fmt.Errorf("dev session %s is released", c.id)
	}
	c.acts = append(c.acts, instruction)
	return fmt.Sprintf("ok: %s. Confirmation number: DEV-%d", instruction, len(c.acts)), nil
}

// Execute records the planner action.
func (c *Client) Execute(ctx context.Context, action string) error {
	_, err := c.Act(ctx, action)
	return err
}

// Observe reports a canned page summary including the step count so planners
// see the state advance.
func (c *Client) Observe(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return "", fmt.Errorf("dev session %s is released", c.id)
	}
	return fmt.Sprintf("dev storefront, %d actions taken", len(c.acts)), nil
}

// GenerateLiveViewURL mints a fake link.
func (c *Client) GenerateLiveViewURL(_ context.Context, ttl time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s?ttl=%d", c.liveViewBase, c.id, int(ttl.Seconds())), nil
}

// SetViewport records the requested dimensions.
func (c *Client) SetViewport(_ context.Context, width, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.width, c.height = width, height
	return nil
}

// TakeControl flags the session as operator-driven.
func (c *Client) TakeControl(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = true
	return nil
}

// ReleaseControl returns the session to automation.
func (c *Client) ReleaseControl(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = false
	return nil
}

// Released reports whether Release was called. Test helper.
func (c *Client) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Instructions returns the instructions executed so far. Test helper.
func (c *Client) Instructions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.acts))
	copy(out, c.acts)
	return out
}
