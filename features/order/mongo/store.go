// Package mongo provides the MongoDB-backed order store used in production
// deployments. Claims are atomic: a single FindOneAndUpdate moves the best
// pending order to processing, so concurrent schedulers never double-claim.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/drishti-ai/navigator/runtime/order"
)

const (
	defaultCollection     = "orders"
	defaultOpTimeout      = 5 * time.Second
	defaultOutlierCeiling = 2 * time.Hour
	storeClientName       = "order-mongo"
)

type (
	// Options configures the Mongo order store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
		// OutlierCeiling excludes absurd processing durations from the
		// average, typically orders that sat in requires_human for hours.
		OutlierCeiling time.Duration
	}

	// Store implements order.Store over a MongoDB collection. It also
	// implements clue health.Pinger for readiness checks.
	Store struct {
		mongo   *mongodriver.Client
		orders  *mongodriver.Collection
		timeout time.Duration
		ceiling time.Duration
	}

	document struct {
		ID                  string         `bson:"_id"`
		Retailer            string         `bson:"retailer"`
		Status              string         `bson:"status"`
		Priority            int            `bson:"priority"`
		Method              string         `bson:"method"`
		AIModel             string         `bson:"ai_model,omitempty"`
		ProductName         string         `bson:"product_name"`
		ProductURL          string         `bson:"product_url,omitempty"`
		ProductSize         string         `bson:"product_size,omitempty"`
		ProductColor        string         `bson:"product_color,omitempty"`
		ProductPrice        float64        `bson:"product_price,omitempty"`
		CustomerName        string         `bson:"customer_name"`
		CustomerEmail       string         `bson:"customer_email,omitempty"`
		ShippingAddress     map[string]any `bson:"shipping_address,omitempty"`
		CreatedAt           time.Time      `bson:"created_at"`
		UpdatedAt           time.Time      `bson:"updated_at"`
		StartedAt           *time.Time     `bson:"started_at,omitempty"`
		CompletedAt         *time.Time     `bson:"completed_at,omitempty"`
		Progress            int            `bson:"progress"`
		CurrentStep         string         `bson:"current_step,omitempty"`
		ConfirmationNumber  string         `bson:"confirmation_number,omitempty"`
		TrackingNumber      string         `bson:"tracking_number,omitempty"`
		EstimatedDelivery   *time.Time     `bson:"estimated_delivery,omitempty"`
		ErrorMessage        string         `bson:"error_message,omitempty"`
		RequiresHumanReview bool           `bson:"requires_human_review"`
		SessionID           string         `bson:"session_id,omitempty"`
		Metadata            map[string]any `bson:"metadata,omitempty"`
		Logs                []logDocument  `bson:"logs,omitempty"`
	}

	logDocument struct {
		Level   string    `bson:"level"`
		Message string    `bson:"message"`
		Step    string    `bson:"step,omitempty"`
		At      time.Time `bson:"at"`
	}
)

// New returns an order store backed by MongoDB, creating the indexes the
// claim query depends on.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	ceiling := opts.OutlierCeiling
	if ceiling <= 0 {
		ceiling = defaultOutlierCeiling
	}
	s := &Store{
		mongo:   opts.Client,
		orders:  opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
		ceiling: ceiling,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string { return storeClientName }

// Ping reports whether the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// CreateOrder persists a new pending order and returns its ID.
func (s *Store) CreateOrder(ctx context.Context, spec order.Spec) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	now := time.Now().UTC()
	priority := spec.Priority
	if priority == 0 {
		priority = order.PriorityNormal
	}
	doc := document{
		ID:              uuid.NewString(),
		Retailer:        spec.Retailer,
		Status:          string(order.StatusPending),
		Priority:        int(priority),
		Method:          string(spec.Method),
		AIModel:         spec.AIModel,
		ProductName:     spec.ProductName,
		ProductURL:      spec.ProductURL,
		ProductSize:     spec.ProductSize,
		ProductColor:    spec.ProductColor,
		ProductPrice:    spec.ProductPrice,
		CustomerName:    spec.CustomerName,
		CustomerEmail:   spec.CustomerEmail,
		ShippingAddress: spec.ShippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
		Metadata:        spec.Metadata,
	}
	if _, err := s.orders.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("insert order: %w", err)
	}
	return doc.ID, nil
}

// GetOrder loads an order by ID.
func (s *Store) GetOrder(ctx context.Context, id string) (order.Order, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var doc document
	err := s.orders.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return order.Order{}, order.ErrNotFound
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("find order: %w", err)
	}
	return toOrder(doc), nil
}

// ClaimNextPending atomically claims the best pending order: highest priority
// first, oldest first within a priority.
func (s *Store) ClaimNextPending(ctx context.Context) (order.Order, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	now := time.Now().UTC()
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)
	update := bson.M{"$set": bson.M{
		"status":     string(order.StatusProcessing),
		"started_at": now,
		"updated_at": now,
	}}
	var doc document
	err := s.orders.FindOneAndUpdate(ctx, bson.M{"status": string(order.StatusPending)}, update, opts).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return order.Order{}, order.ErrNoPending
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("claim order: %w", err)
	}
	return toOrder(doc), nil
}

// UpdateStatus transitions the order and applies the partial update. The
// write is guarded on the status the transition was validated against, so a
// concurrent transition surfaces as ErrInvalidTransition instead of silently
// overwriting it.
func (s *Store) UpdateStatus(ctx context.Context, id string, status order.Status, upd order.Update) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	current, err := s.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if !order.CanTransition(current.Status, status) {
		return fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, current.Status, status)
	}

	now := time.Now().UTC()
	set := bson.M{"status": string(status), "updated_at": now}
	maxOp := bson.M{}
	if upd.Progress != nil {
		// Progress never decreases while processing.
		if status == order.StatusProcessing {
			maxOp["progress"] = *upd.Progress
		} else {
			set["progress"] = *upd.Progress
		}
	}
	if upd.CurrentStep != nil {
		set["current_step"] = *upd.CurrentStep
	}
	if upd.ErrorMessage != nil {
		set["error_message"] = *upd.ErrorMessage
	}
	if upd.RequiresHumanReview != nil {
		set["requires_human_review"] = *upd.RequiresHumanReview
	}
	if upd.SessionID != nil {
		set["session_id"] = *upd.SessionID
	}
	if upd.ConfirmationNumber != nil && *upd.ConfirmationNumber != "" {
		set["confirmation_number"] = *upd.ConfirmationNumber
	}
	if upd.TrackingNumber != nil && *upd.TrackingNumber != "" {
		set["tracking_number"] = *upd.TrackingNumber
	}
	if upd.EstimatedDelivery != nil {
		set["estimated_delivery"] = upd.EstimatedDelivery.UTC()
	}
	if status == order.StatusProcessing && current.StartedAt == nil {
		set["started_at"] = now
	}
	if status.Terminal() && current.CompletedAt == nil {
		set["completed_at"] = now
	}

	update := bson.M{"$set": set}
	if len(maxOp) > 0 {
		update["$max"] = maxOp
	}
	res, err := s.orders.UpdateOne(ctx, bson.M{"_id": id, "status": string(current.Status)}, update)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: order %s changed concurrently", order.ErrInvalidTransition, id)
	}
	return nil
}

// CancelOrder cancels the order if it is still pending.
func (s *Store) CancelOrder(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	now := time.Now().UTC()
	res, err := s.orders.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(order.StatusPending)},
		bson.M{"$set": bson.M{
			"status":       string(order.StatusCancelled),
			"updated_at":   now,
			"completed_at": now,
		}})
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// DeleteOrder removes the order.
func (s *Store) DeleteOrder(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.orders.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("delete order: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// ListOrders returns orders matching the filter, newest first.
func (s *Store) ListOrders(ctx context.Context, f order.Filter) ([]order.Order, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	filter := bson.M{}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	if f.Retailer != "" {
		filter["retailer"] = f.Retailer
	}
	cursor, err := s.orders.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer cursor.Close(ctx)
	var out []order.Order
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, toOrder(doc))
	}
	return out, cursor.Err()
}

// AppendLog attaches an execution log entry to the order.
func (s *Store) AppendLog(ctx context.Context, id string, entry order.LogEntry) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := s.orders.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$push": bson.M{"logs": logDocument{
		Level:   entry.Level,
		Message: entry.Message,
		Step:    entry.Step,
		At:      at.UTC(),
	}}})
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if res.MatchedCount == 0 {
		return order.ErrNotFound
	}
	return nil
}

// Stats aggregates queue statistics.
func (s *Store) Stats(ctx context.Context) (order.Stats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	st := order.Stats{
		ByStatus:   make(map[order.Status]int),
		ByRetailer: make(map[string]int),
		ByMethod:   make(map[string]int),
	}

	for field, apply := range map[string]func(key string, n int){
		"status":   func(key string, n int) { st.ByStatus[order.Status(key)] = n },
		"retailer": func(key string, n int) { st.ByRetailer[key] = n },
		"method":   func(key string, n int) { st.ByMethod[key] = n },
	} {
		counts, err := s.countBy(ctx, field)
		if err != nil {
			return order.Stats{}, err
		}
		for key, n := range counts {
			apply(key, n)
		}
	}
	for _, n := range st.ByStatus {
		st.Total += n
	}

	review, err := s.orders.CountDocuments(ctx, bson.M{"requires_human_review": true})
	if err != nil {
		return order.Stats{}, fmt.Errorf("count review queue: %w", err)
	}
	st.ReviewQueue = int(review)

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := s.orders.CountDocuments(ctx, bson.M{"created_at": bson.M{"$gte": midnight.UTC()}})
	if err != nil {
		return order.Stats{}, fmt.Errorf("count today: %w", err)
	}
	st.OrdersToday = int(today)

	completed := st.ByStatus[order.StatusCompleted]
	failed := st.ByStatus[order.StatusFailed]
	if completed+failed > 0 {
		st.SuccessRate = float64(completed) / float64(completed+failed) * 100
	}

	avg, err := s.avgProcessingSeconds(ctx)
	if err != nil {
		return order.Stats{}, err
	}
	st.AvgProcessingSeconds = avg
	return st, nil
}

// Close disconnects the underlying Mongo client.
func (s *Store) Close(ctx context.Context) error {
	return s.mongo.Disconnect(ctx)
}

func (s *Store) countBy(ctx context.Context, field string) (map[string]int, error) {
	cursor, err := s.orders.Aggregate(ctx, mongodriver.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$" + field, "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate by %s: %w", field, err)
	}
	defer cursor.Close(ctx)
	counts := make(map[string]int)
	for cursor.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
			N  int    `bson:"n"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode %s count: %w", field, err)
		}
		counts[row.ID] = row.N
	}
	return counts, cursor.Err()
}

// avgProcessingSeconds averages completed-order durations, excluding
// non-positive durations and outliers beyond the configured ceiling.
func (s *Store) avgProcessingSeconds(ctx context.Context) (float64, error) {
	cursor, err := s.orders.Find(ctx,
		bson.M{
			"status":       string(order.StatusCompleted),
			"started_at":   bson.M{"$ne": nil},
			"completed_at": bson.M{"$ne": nil},
		},
		options.Find().SetProjection(bson.M{"started_at": 1, "completed_at": 1}))
	if err != nil {
		return 0, fmt.Errorf("find completed orders: %w", err)
	}
	defer cursor.Close(ctx)
	var sum float64
	var n int
	for cursor.Next(ctx) {
		var row struct {
			StartedAt   *time.Time `bson:"started_at"`
			CompletedAt *time.Time `bson:"completed_at"`
		}
		if err := cursor.Decode(&row); err != nil {
			return 0, fmt.Errorf("decode completed order: %w", err)
		}
		if row.StartedAt == nil || row.CompletedAt == nil {
			continue
		}
		d := row.CompletedAt.Sub(*row.StartedAt)
		if d <= 0 || d > s.ceiling {
			continue
		}
		sum += d.Seconds()
		n++
	}
	if err := cursor.Err(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.orders.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "retailer", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func toOrder(doc document) order.Order {
	return order.Order{
		ID:                  doc.ID,
		Retailer:            doc.Retailer,
		Status:              order.Status(doc.Status),
		Priority:            order.Priority(doc.Priority),
		Method:              order.Method(doc.Method),
		AIModel:             doc.AIModel,
		ProductName:         doc.ProductName,
		ProductURL:          doc.ProductURL,
		ProductSize:         doc.ProductSize,
		ProductColor:        doc.ProductColor,
		ProductPrice:        doc.ProductPrice,
		CustomerName:        doc.CustomerName,
		CustomerEmail:       doc.CustomerEmail,
		ShippingAddress:     doc.ShippingAddress,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
		StartedAt:           doc.StartedAt,
		CompletedAt:         doc.CompletedAt,
		Progress:            doc.Progress,
		CurrentStep:         doc.CurrentStep,
		ConfirmationNumber:  doc.ConfirmationNumber,
		TrackingNumber:      doc.TrackingNumber,
		EstimatedDelivery:   doc.EstimatedDelivery,
		ErrorMessage:        doc.ErrorMessage,
		RequiresHumanReview: doc.RequiresHumanReview,
		SessionID:           doc.SessionID,
		Metadata:            doc.Metadata,
	}
}
