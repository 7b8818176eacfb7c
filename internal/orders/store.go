package orders

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/aws"
	"github.com/imrishuroy/go-grocery-orderflow/internal/catalog"
)

// Secondary indexes on the orders table. CreatedIndex is keyed on the
// constant entity attribute so the unfiltered admin list can be read in
// created_at order.
const (
	BuyerIndex   = "buyer_id-created_at-index"
	StatusIndex  = "status-created_at-index"
	CreatedIndex = "entity-created_at-index"

	orderEntity = "order"
)

const (
	codeConditionalCheckFailed = "ConditionalCheckFailed"
	codeTransactionConflict    = "TransactionConflict"
)

// ErrInvalidCursor is returned for a pagination cursor this store did not issue.
var ErrInvalidCursor = errors.New("invalid pagination cursor")

type itemRecord struct {
	ProductID string `dynamodbav:"product_id"`
	Quantity  int    `dynamodbav:"quantity"`
	UnitPrice string `dynamodbav:"unit_price_at_purchase"`
	LineTotal string `dynamodbav:"line_total"`
}

type cancellationRecord struct {
	RequestedBy    string     `dynamodbav:"requested_by"`
	Reason         string     `dynamodbav:"reason,omitempty"`
	RequestedAt    time.Time  `dynamodbav:"requested_at"`
	ResolvedBy     string     `dynamodbav:"resolved_by,omitempty"`
	ResolutionNote string     `dynamodbav:"resolution_note,omitempty"`
	ResolvedAt     *time.Time `dynamodbav:"resolved_at,omitempty"`
}

// orderRecord is the orders-table shape. Money is kept as decimal strings.
type orderRecord struct {
	OrderID               string              `dynamodbav:"order_id"` // PK
	Entity                string              `dynamodbav:"entity"`
	BuyerID               string              `dynamodbav:"buyer_id"`
	Items                 []itemRecord        `dynamodbav:"items"`
	Subtotal              string              `dynamodbav:"subtotal"`
	Tax                   string              `dynamodbav:"tax"`
	DeliveryFee           string              `dynamodbav:"delivery_fee"`
	Total                 string              `dynamodbav:"total"`
	Status                Status              `dynamodbav:"status"`
	LocationKey           string              `dynamodbav:"location_key"`
	DeliveryAddress       string              `dynamodbav:"delivery_address"`
	EstimatedDeliveryDate *time.Time          `dynamodbav:"estimated_delivery_date,omitempty"`
	DeliveryAgentID       string              `dynamodbav:"delivery_agent_id,omitempty"`
	Notes                 string              `dynamodbav:"notes,omitempty"`
	CancellationRequested bool                `dynamodbav:"cancellation_requested"`
	Cancellation          *cancellationRecord `dynamodbav:"cancellation,omitempty"`
	Version               int                 `dynamodbav:"version"`
	CreatedAt             time.Time           `dynamodbav:"created_at"`
	UpdatedAt             time.Time           `dynamodbav:"updated_at"`
}

type assignmentRecord struct {
	AgentID     string           `dynamodbav:"agent_id"` // PK
	OrderID     string           `dynamodbav:"order_id"` // SK
	Status      AssignmentStatus `dynamodbav:"status"`
	AcceptedAt  time.Time        `dynamodbav:"accepted_at"`
	DeliveredAt *time.Time       `dynamodbav:"delivered_at,omitempty"`
}

func toRecord(o Order) orderRecord {
	items := make([]itemRecord, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemRecord{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPriceAtPurchase.String(),
			LineTotal: it.LineTotal.String(),
		})
	}
	rec := orderRecord{
		OrderID:               o.ID,
		Entity:                orderEntity,
		BuyerID:               o.BuyerID,
		Items:                 items,
		Subtotal:              o.Subtotal.String(),
		Tax:                   o.Tax.String(),
		DeliveryFee:           o.DeliveryFee.String(),
		Total:                 o.Total.String(),
		Status:                o.Status,
		LocationKey:           o.LocationKey,
		DeliveryAddress:       o.DeliveryAddress,
		EstimatedDeliveryDate: o.EstimatedDeliveryDate,
		DeliveryAgentID:       o.DeliveryAgentID,
		Notes:                 o.Notes,
		CancellationRequested: o.CancellationRequested,
		Version:               o.Version,
		CreatedAt:             o.CreatedAt,
		UpdatedAt:             o.UpdatedAt,
	}
	if o.Cancellation != nil {
		rec.Cancellation = &cancellationRecord{
			RequestedBy:    o.Cancellation.RequestedBy,
			Reason:         o.Cancellation.Reason,
			RequestedAt:    o.Cancellation.RequestedAt,
			ResolvedBy:     o.Cancellation.ResolvedBy,
			ResolutionNote: o.Cancellation.ResolutionNote,
			ResolvedAt:     o.Cancellation.ResolvedAt,
		}
	}
	return rec
}

func (r orderRecord) toOrder() (Order, error) {
	money := func(field, v string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("order %s %s: %w", r.OrderID, field, err)
		}
		return d, nil
	}
	o := Order{
		ID:                    r.OrderID,
		BuyerID:               r.BuyerID,
		Status:                r.Status,
		LocationKey:           r.LocationKey,
		DeliveryAddress:       r.DeliveryAddress,
		EstimatedDeliveryDate: r.EstimatedDeliveryDate,
		DeliveryAgentID:       r.DeliveryAgentID,
		Notes:                 r.Notes,
		CancellationRequested: r.CancellationRequested,
		Version:               r.Version,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
	var err error
	if o.Subtotal, err = money("subtotal", r.Subtotal); err != nil {
		return Order{}, err
	}
	if o.Tax, err = money("tax", r.Tax); err != nil {
		return Order{}, err
	}
	if o.DeliveryFee, err = money("delivery_fee", r.DeliveryFee); err != nil {
		return Order{}, err
	}
	if o.Total, err = money("total", r.Total); err != nil {
		return Order{}, err
	}
	o.Items = make([]Item, 0, len(r.Items))
	for _, it := range r.Items {
		unit, err := money("unit_price_at_purchase", it.UnitPrice)
		if err != nil {
			return Order{}, err
		}
		line, err := money("line_total", it.LineTotal)
		if err != nil {
			return Order{}, err
		}
		o.Items = append(o.Items, Item{ProductID: it.ProductID, Quantity: it.Quantity, UnitPriceAtPurchase: unit, LineTotal: line})
	}
	if r.Cancellation != nil {
		o.Cancellation = &Cancellation{
			RequestedBy:    r.Cancellation.RequestedBy,
			Reason:         r.Cancellation.Reason,
			RequestedAt:    r.Cancellation.RequestedAt,
			ResolvedBy:     r.Cancellation.ResolvedBy,
			ResolutionNote: r.Cancellation.ResolutionNote,
			ResolvedAt:     r.Cancellation.ResolvedAt,
		}
	}
	return o, nil
}

// Tables names the DynamoDB tables the order repository writes to.
type Tables struct {
	Orders      string
	Products    string
	Assignments string
}

// Store is the DynamoDB Repository. Order writes that touch stock or the
// agent assignment index are issued as one TransactWriteItems call.
type Store struct {
	client  aws.DynamoDBAPI
	tables  Tables
	nowFunc func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tables Tables) *Store {
	return &Store{
		client:  client,
		tables:  tables,
		nowFunc: time.Now,
	}
}

var _ Repository = (*Store)(nil)

// Insert decrements stock for every item and puts the order in a single
// transaction. A cancelled transaction is translated back into the domain
// error of the first failing item.
func (s *Store) Insert(ctx context.Context, o *Order) error {
	item, err := attributevalue.MarshalMap(toRecord(*o))
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	now := s.nowFunc()

	transactItems := make([]types.TransactWriteItem, 0, len(o.Items)+1)
	for _, it := range o.Items {
		transactItems = append(transactItems, catalog.DecrementStockItem(s.tables.Products, it.ProductID, it.Quantity, now))
	}
	transactItems = append(transactItems, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           &s.tables.Orders,
			Item:                item,
			ConditionExpression: awsString("attribute_not_exists(order_id)"),
		},
	})

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems:      transactItems,
		ClientRequestToken: awsString(o.ID),
	})
	if err == nil {
		return nil
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		return insertError(o, tce.CancellationReasons)
	}
	if isConflict(err) {
		return fmt.Errorf("insert order %s: %w", o.ID, ErrConcurrentModification)
	}
	return fmt.Errorf("transact write: %w", err)
}

// insertError maps cancellation reasons to domain errors. Reasons are
// positional: one per transact item, products first, order put last.
func insertError(o *Order, reasons []types.CancellationReason) error {
	for i, reason := range reasons {
		code := ""
		if reason.Code != nil {
			code = *reason.Code
		}
		switch code {
		case codeConditionalCheckFailed:
			if i >= len(o.Items) {
				return fmt.Errorf("insert order %s: order id already used: %w", o.ID, ErrConcurrentModification)
			}
			want := o.Items[i]
			p, err := catalog.DecodeItem(reason.Item)
			if err != nil {
				return err
			}
			if p == nil || !p.IsActive {
				return &ProductNotFoundError{ProductID: want.ProductID}
			}
			if p.Stock < want.Quantity {
				return &InsufficientStockError{ProductID: want.ProductID, Available: p.Stock, Requested: want.Quantity}
			}
			return fmt.Errorf("insert order %s: product %s changed: %w", o.ID, want.ProductID, ErrConcurrentModification)
		case codeTransactionConflict:
			return fmt.Errorf("insert order %s: %w", o.ID, ErrConcurrentModification)
		}
	}
	return fmt.Errorf("insert order %s: transaction cancelled: %w", o.ID, ErrConcurrentModification)
}

// Get fetches an order by order_id. Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Orders,
		Key:            orderKey(id),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	o, err := decodeOrder(out.Item)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Save replaces the order if its stored version is still expectedVersion and
// applies fx in the same transaction.
func (s *Store) Save(ctx context.Context, o *Order, expectedVersion int, fx Effects) error {
	item, err := attributevalue.MarshalMap(toRecord(*o))
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	now := s.nowFunc()

	transactItems := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:                &s.tables.Orders,
			Item:                     item,
			ConditionExpression:      awsString("#v = :expected"),
			ExpressionAttributeNames: map[string]string{"#v": "version"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberN{Value: strconv.Itoa(expectedVersion)},
			},
		},
	}}
	for _, adj := range fx.Restock {
		transactItems = append(transactItems, catalog.RestoreStockItem(s.tables.Products, adj.ProductID, adj.Quantity, now))
	}
	if fx.Assignment != nil {
		transactItems = append(transactItems, s.assignmentItem(o.ID, *fx.Assignment))
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err == nil {
		return nil
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) || isConflict(err) {
		return fmt.Errorf("save order %s at version %d: %w", o.ID, expectedVersion, ErrConcurrentModification)
	}
	return fmt.Errorf("transact write: %w", err)
}

func (s *Store) assignmentItem(orderID string, ch AssignmentChange) types.TransactWriteItem {
	key := assignmentKey(ch.AgentID, orderID)
	at := &types.AttributeValueMemberS{Value: ch.At.UTC().Format(time.RFC3339Nano)}
	accepted := &types.AttributeValueMemberS{Value: string(AssignmentAccepted)}

	switch ch.Op {
	case AssignmentAccept:
		return types.TransactWriteItem{Put: &types.Put{
			TableName: &s.tables.Assignments,
			Item: map[string]types.AttributeValue{
				"agent_id":    key["agent_id"],
				"order_id":    key["order_id"],
				"status":      accepted,
				"accepted_at": at,
			},
			ConditionExpression: awsString("attribute_not_exists(order_id)"),
		}}
	case AssignmentDeliver:
		return types.TransactWriteItem{Update: &types.Update{
			TableName:                &s.tables.Assignments,
			Key:                      key,
			UpdateExpression:         awsString("SET #s = :delivered, delivered_at = :at"),
			ConditionExpression:      awsString("#s = :accepted"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":delivered": &types.AttributeValueMemberS{Value: string(AssignmentDelivered)},
				":accepted":  accepted,
				":at":        at,
			},
		}}
	default:
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:                 &s.tables.Assignments,
			Key:                       key,
			ConditionExpression:       awsString("#s = :accepted"),
			ExpressionAttributeNames:  map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":accepted": accepted},
		}}
	}
}

// ListByBuyer returns every order of buyerID, newest first.
func (s *Store) ListByBuyer(ctx context.Context, buyerID string) ([]Order, error) {
	return s.queryAll(ctx, &dyn.QueryInput{
		TableName:              &s.tables.Orders,
		IndexName:              awsString(BuyerIndex),
		KeyConditionExpression: awsString("buyer_id = :b"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":b": &types.AttributeValueMemberS{Value: buyerID},
		},
		ScanIndexForward: awsBool(false),
	})
}

// List pages through orders newest first, optionally within one status.
func (s *Store) List(ctx context.Context, q ListQuery) (Page, error) {
	start, err := decodeCursor(q.Cursor)
	if err != nil {
		return Page{}, err
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	limit := int32(q.Limit)

	var (
		items []map[string]types.AttributeValue
		last  map[string]types.AttributeValue
	)
	if q.Status != "" {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:                &s.tables.Orders,
			IndexName:                awsString(StatusIndex),
			KeyConditionExpression:   awsString("#s = :s"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":s": &types.AttributeValueMemberS{Value: string(q.Status)},
			},
			ScanIndexForward:  awsBool(false),
			Limit:             &limit,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return Page{}, fmt.Errorf("query orders: %w", err)
		}
		items, last = out.Items, out.LastEvaluatedKey
	} else {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tables.Orders,
			IndexName:              awsString(CreatedIndex),
			KeyConditionExpression: awsString("entity = :e"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":e": &types.AttributeValueMemberS{Value: orderEntity},
			},
			ScanIndexForward:  awsBool(false),
			Limit:             &limit,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return Page{}, fmt.Errorf("query orders: %w", err)
		}
		items, last = out.Items, out.LastEvaluatedKey
	}

	orders, err := decodeOrders(items)
	if err != nil {
		return Page{}, err
	}
	next, err := encodeCursor(last)
	if err != nil {
		return Page{}, err
	}
	return Page{Orders: orders, NextCursor: next}, nil
}

// ListAvailable returns confirmed orders nobody has accepted, oldest first.
func (s *Store) ListAvailable(ctx context.Context, locationKey string) ([]Order, error) {
	filter := "attribute_not_exists(delivery_agent_id)"
	values := map[string]types.AttributeValue{
		":s": &types.AttributeValueMemberS{Value: string(StatusConfirmed)},
	}
	if locationKey != "" {
		filter += " AND location_key = :loc"
		values[":loc"] = &types.AttributeValueMemberS{Value: locationKey}
	}
	return s.queryAll(ctx, &dyn.QueryInput{
		TableName:                 &s.tables.Orders,
		IndexName:                 awsString(StatusIndex),
		KeyConditionExpression:    awsString("#s = :s"),
		FilterExpression:          awsString(filter),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ScanIndexForward:          awsBool(true),
	})
}

// Assignment reads one membership record. Returns (nil, nil) if absent.
func (s *Store) Assignment(ctx context.Context, agentID, orderID string) (*Assignment, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Assignments,
		Key:            assignmentKey(agentID, orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec assignmentRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal assignment: %w", err)
	}
	a := Assignment(rec)
	return &a, nil
}

// Assignments lists every record of agentID.
func (s *Store) Assignments(ctx context.Context, agentID string) ([]Assignment, error) {
	in := &dyn.QueryInput{
		TableName:              &s.tables.Assignments,
		KeyConditionExpression: awsString("agent_id = :a"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":a": &types.AttributeValueMemberS{Value: agentID},
		},
		ConsistentRead: awsBool(true),
	}
	var out []Assignment
	for {
		page, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query assignments: %w", err)
		}
		var recs []assignmentRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, fmt.Errorf("unmarshal assignments: %w", err)
		}
		for _, r := range recs {
			out = append(out, Assignment(r))
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (s *Store) queryAll(ctx context.Context, in *dyn.QueryInput) ([]Order, error) {
	var out []Order
	for {
		page, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query orders: %w", err)
		}
		orders, err := decodeOrders(page.Items)
		if err != nil {
			return nil, err
		}
		out = append(out, orders...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func decodeOrder(item map[string]types.AttributeValue) (Order, error) {
	var rec orderRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return Order{}, fmt.Errorf("unmarshal order: %w", err)
	}
	return rec.toOrder()
}

func decodeOrders(items []map[string]types.AttributeValue) ([]Order, error) {
	out := make([]Order, 0, len(items))
	for _, item := range items {
		o, err := decodeOrder(item)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Cursors are the LastEvaluatedKey flattened to strings. Every key attribute
// of the table and its indexes is a string.
func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	flat := make(map[string]string, len(key))
	for k, v := range key {
		sv, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return "", fmt.Errorf("encode cursor: key %s is not a string", k)
		}
		flat[k] = sv.Value
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil || len(flat) == 0 {
		return nil, ErrInvalidCursor
	}
	key := make(map[string]types.AttributeValue, len(flat))
	for k, v := range flat {
		key[k] = &types.AttributeValueMemberS{Value: v}
	}
	return key, nil
}

// isConflict reports errors raised when another transaction holds an item.
func isConflict(err error) bool {
	var tc *types.TransactionConflictException
	if errors.As(err, &tc) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "TransactionInProgressException"
}

func orderKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: id},
	}
}

func assignmentKey(agentID, orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"agent_id": &types.AttributeValueMemberS{Value: agentID},
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
