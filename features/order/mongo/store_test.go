package mongo

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/drishti-ai/navigator/runtime/order"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

func getStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	collection := strings.ReplaceAll(t.Name(), "/", "_")
	if err := testMongoClient.Database("navigator_test").Collection(collection).Drop(context.Background()); err != nil {
		t.Fatalf("failed to drop collection: %v", err)
	}
	s, err := New(Options{
		Client:     testMongoClient,
		Database:   "navigator_test",
		Collection: collection,
	})
	require.NoError(t, err)
	return s
}

func spec() order.Spec {
	return order.Spec{
		Retailer:     "amazon",
		Method:       order.MethodNovaAct,
		ProductName:  "running shoes",
		ProductURL:   "https://www.amazon.com/dp/B000TEST",
		CustomerName: "Jamie Doe",
		ShippingAddress: map[string]any{
			"street":   "1 Main St",
			"city":     "Seattle",
			"zip_code": "98101",
		},
		Priority: order.PriorityNormal,
	}
}

func TestCreateAndGetOrder(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	id, err := s.CreateOrder(ctx, spec())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	o, err := s.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, o.ID)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, "running shoes", o.ProductName)
	assert.Equal(t, "Jamie Doe", o.CustomerName)
	assert.Equal(t, "1 Main St", o.ShippingAddress["street"])
	assert.False(t, o.CreatedAt.IsZero())

	_, err = s.GetOrder(ctx, "missing")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestClaimNextPendingOrdering(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	low := spec()
	low.Priority = order.PriorityLow
	lowID, err := s.CreateOrder(ctx, low)
	require.NoError(t, err)

	urgent := spec()
	urgent.Priority = order.PriorityUrgent
	urgentID, err := s.CreateOrder(ctx, urgent)
	require.NoError(t, err)

	first, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, urgentID, first.ID)
	assert.Equal(t, order.StatusProcessing, first.Status)
	require.NotNil(t, first.StartedAt)

	second, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, lowID, second.ID)

	_, err = s.ClaimNextPending(ctx)
	require.ErrorIs(t, err, order.ErrNoPending)
}

func TestClaimNextPendingIsExclusive(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	const n = 10
	ids := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id, err := s.CreateOrder(ctx, spec())
		require.NoError(t, err)
		ids[id] = false
	}

	type result struct {
		id  string
		err error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func() {
			o, err := s.ClaimNextPending(ctx)
			results <- result{id: o.ID, err: err}
		}()
	}
	for i := 0; i < n; i++ {
		r := <-results
		require.NoError(t, r.err)
		claimed, known := ids[r.id]
		require.True(t, known, "claimed unknown order %s", r.id)
		require.False(t, claimed, "order %s claimed twice", r.id)
		ids[r.id] = true
	}
}

func TestUpdateStatusEnforcesTransitions(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	id, err := s.CreateOrder(ctx, spec())
	require.NoError(t, err)

	// pending -> completed is not a legal transition.
	err = s.UpdateStatus(ctx, id, order.StatusCompleted, order.Update{})
	require.ErrorIs(t, err, order.ErrInvalidTransition)

	_, err = s.ClaimNextPending(ctx)
	require.NoError(t, err)

	conf := "112-7788"
	progress := 100
	require.NoError(t, s.UpdateStatus(ctx, id, order.StatusCompleted, order.Update{
		Progress:           &progress,
		ConfirmationNumber: &conf,
	}))

	o, err := s.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, o.Status)
	assert.Equal(t, 100, o.Progress)
	assert.Equal(t, "112-7788", o.ConfirmationNumber)
	require.NotNil(t, o.CompletedAt)

	// Terminal statuses are absorbing.
	err = s.UpdateStatus(ctx, id, order.StatusProcessing, order.Update{})
	require.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestUpdateStatusProgressNeverDrops(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	id, err := s.CreateOrder(ctx, spec())
	require.NoError(t, err)
	_, err = s.ClaimNextPending(ctx)
	require.NoError(t, err)

	for _, p := range []int{40, 70, 55} {
		p := p
		require.NoError(t, s.UpdateStatus(ctx, id, order.StatusProcessing, order.Update{Progress: &p}))
	}
	o, err := s.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 70, o.Progress)
}

func TestCancelOrder(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	id, err := s.CreateOrder(ctx, spec())
	require.NoError(t, err)

	cancelled, err := s.CancelOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	o, err := s.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)

	// Only pending orders cancel through this path.
	cancelled, err = s.CancelOrder(ctx, id)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestDeleteOrder(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	id, err := s.CreateOrder(ctx, spec())
	require.NoError(t, err)

	existed, err := s.DeleteOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.DeleteOrder(ctx, id)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestListOrders(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	first, err := s.CreateOrder(ctx, spec())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	other := spec()
	other.Retailer = "bestbuy"
	second, err := s.CreateOrder(ctx, other)
	require.NoError(t, err)

	all, err := s.ListOrders(ctx, order.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest first.
	assert.Equal(t, second, all[0].ID)
	assert.Equal(t, first, all[1].ID)

	byRetailer, err := s.ListOrders(ctx, order.Filter{Retailer: "bestbuy"})
	require.NoError(t, err)
	require.Len(t, byRetailer, 1)
	assert.Equal(t, second, byRetailer[0].ID)

	pending, err := s.ListOrders(ctx, order.Filter{Statuses: []order.Status{order.StatusPending}})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestAppendLog(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	id, err := s.CreateOrder(ctx, spec())
	require.NoError(t, err)

	require.NoError(t, s.AppendLog(ctx, id, order.LogEntry{
		Level:   "info",
		Message: "navigating to product",
		Step:    "navigate",
		At:      time.Now().UTC(),
	}))
	require.ErrorIs(t, s.AppendLog(ctx, "missing", order.LogEntry{Message: "x"}), order.ErrNotFound)
}

func TestStats(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := s.CreateOrder(ctx, spec())
		require.NoError(t, err)
		_, err = s.ClaimNextPending(ctx)
		require.NoError(t, err)
		if i == 0 {
			reason := "payment declined"
			require.NoError(t, s.UpdateStatus(ctx, id, order.StatusFailed, order.Update{ErrorMessage: &reason}))
			continue
		}
		progress := 100
		require.NoError(t, s.UpdateStatus(ctx, id, order.StatusCompleted, order.Update{Progress: &progress}))
	}
	_, err := s.CreateOrder(ctx, spec())
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[order.StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[order.StatusFailed])
	assert.Equal(t, 1, stats.ByStatus[order.StatusPending])
	assert.Equal(t, 4, stats.ByRetailer["amazon"])
	assert.Equal(t, 4, stats.OrdersToday)
	// 2 completed out of 3 finished.
	assert.InDelta(t, 66.7, stats.SuccessRate, 0.1)
}

func TestPing(t *testing.T) {
	s := getStore(t)
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, "order-mongo", s.Name())
}
