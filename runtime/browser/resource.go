package browser

import (
	"context"
	"time"
)

type (
	// Resource is one releasable remote or local handle owned by a session:
	// the remote browser client, an automation driver, a CDP connection.
	// Release must be safe to call once and should honor ctx deadlines;
	// callers abandon releases that outlive their budget.
	Resource interface {
		// Name identifies the resource in logs.
		Name() string
		// Release frees the resource.
		Release(ctx context.Context) error
	}

	// LiveViewer is an optional capability of the primary session client:
	// minting a time-limited URL granting visual access to the browser.
	LiveViewer interface {
		GenerateLiveViewURL(ctx context.Context, ttl time.Duration) (string, error)
	}

	// ViewportSetter is an optional capability: resizing the remote viewport.
	ViewportSetter interface {
		SetViewport(ctx context.Context, width, height int) error
	}

	// Controller is an optional capability: handing browser input to a human
	// operator and back to the automation.
	Controller interface {
		TakeControl(ctx context.Context) error
		ReleaseControl(ctx context.Context) error
	}

	// Session is the ownership bundle a Provisioner hands over: the primary
	// remote client plus any extra resources to release alongside it.
	Session struct {
		// Client is the primary remote browser client. Required. Optional
		// capabilities (LiveViewer, ViewportSetter, Controller) are queried on
		// this value.
		Client Resource
		// Extras are additional owned resources released during cleanup, after
		// the client.
		Extras []Resource
		// ReplayBucket and ReplayPrefix locate the session recording, when the
		// backend records one.
		ReplayBucket string
		ReplayPrefix string
	}

	// Provisioner creates remote browser sessions. Concrete implementations
	// wrap the deployment's browser backend and are wired at the composition
	// root.
	Provisioner interface {
		Provision(ctx context.Context, sessionID string) (Session, error)
	}
)
