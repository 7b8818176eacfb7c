package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/aws"
)

const (
	batchGetLimit   = 100
	batchGetRetries = 5
)

// Condition and update expressions for stock mutation. They are shared by the
// single-item calls below and by multi-item order transactions.
const (
	decrementCondition = "attribute_exists(product_id) AND is_active = :active AND stock >= :qty"
	decrementUpdate    = "SET stock = stock - :qty, updated_at = :ua"
	restoreCondition   = "attribute_exists(product_id)"
	restoreUpdate      = "SET stock = stock + :qty, updated_at = :ua"
)

// productRecord is the shape persisted in the products table. Prices are
// decimal strings so no precision is lost in DynamoDB numbers.
type productRecord struct {
	ProductID string            `dynamodbav:"product_id"` // PK
	Name      string            `dynamodbav:"name"`
	Unit      string            `dynamodbav:"unit"`
	Stock     int               `dynamodbav:"stock"`
	Price     map[string]string `dynamodbav:"price"`
	IsActive  bool              `dynamodbav:"is_active"`
	UpdatedAt time.Time         `dynamodbav:"updated_at"`
}

func toRecord(p Product) productRecord {
	prices := make(map[string]string, len(p.Price))
	for loc, v := range p.Price {
		prices[loc] = v.String()
	}
	return productRecord{
		ProductID: p.ID,
		Name:      p.Name,
		Unit:      p.Unit,
		Stock:     p.Stock,
		Price:     prices,
		IsActive:  p.IsActive,
		UpdatedAt: p.UpdatedAt,
	}
}

func (r productRecord) toProduct() (Product, error) {
	prices := make(map[string]decimal.Decimal, len(r.Price))
	for loc, raw := range r.Price {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return Product{}, fmt.Errorf("product %s price %s: %w", r.ProductID, loc, err)
		}
		prices[loc] = d
	}
	return Product{
		ID:        r.ProductID,
		Name:      r.Name,
		Unit:      r.Unit,
		Stock:     r.Stock,
		Price:     prices,
		IsActive:  r.IsActive,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// Store encapsulates operations on the products table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new products Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// PutProduct writes a product as-is. Catalog management lives elsewhere; this
// exists for seeding and tests.
func (s *Store) PutProduct(ctx context.Context, p Product) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.nowFunc().UTC()
	}
	item, err := attributevalue.MarshalMap(toRecord(p))
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// GetProduct fetches a product by id. Returns (nil, nil) if not found.
func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            productKey(id),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec productRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	p, err := rec.toProduct()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProductsBulk reads products with BatchGetItem. Missing ids are absent
// from the result; the result follows the order of ids.
func (s *Store) GetProductsBulk(ctx context.Context, ids []string) ([]Product, error) {
	ids = UniqueIDs(ids)
	found := make(map[string]Product, len(ids))

	for start := 0; start < len(ids); start += batchGetLimit {
		end := min(start+batchGetLimit, len(ids))
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, productKey(id))
		}
		if err := s.batchGet(ctx, keys, found); err != nil {
			return nil, err
		}
	}

	out := make([]Product, 0, len(found))
	for _, id := range ids {
		if p, ok := found[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) batchGet(ctx context.Context, keys []map[string]types.AttributeValue, found map[string]Product) error {
	request := map[string]types.KeysAndAttributes{
		s.tableName: {Keys: keys, ConsistentRead: awsBool(true)},
	}
	for attempt := 0; len(request) > 0; attempt++ {
		if attempt >= batchGetRetries {
			return fmt.Errorf("batch get: unprocessed keys remain after %d attempts", batchGetRetries)
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * 25 * time.Millisecond):
			}
		}

		out, err := s.client.BatchGetItem(ctx, &dyn.BatchGetItemInput{RequestItems: request})
		if err != nil {
			return fmt.Errorf("batch get item: %w", err)
		}
		for _, item := range out.Responses[s.tableName] {
			var rec productRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return fmt.Errorf("unmarshal product: %w", err)
			}
			p, err := rec.toProduct()
			if err != nil {
				return err
			}
			found[p.ID] = p
		}
		request = out.UnprocessedKeys
	}
	return nil
}

// DecrementStock atomically removes qty units if the product exists, is
// active and has at least qty in stock. Returns ErrInsufficientStock otherwise.
func (s *Store) DecrementStock(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	u := DecrementStockItem(s.tableName, id, qty, s.nowFunc()).Update
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrInsufficientStock
		}
		return fmt.Errorf("decrement stock: %w", err)
	}
	return nil
}

// RestoreStock adds qty units back. Returns ErrNotFound if the product was removed.
func (s *Store) RestoreStock(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	u := RestoreStockItem(s.tableName, id, qty, s.nowFunc()).Update
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrNotFound
		}
		return fmt.Errorf("restore stock: %w", err)
	}
	return nil
}

// DecrementStockItem builds the conditional stock decrement as a transaction item.
func DecrementStockItem(table, id string, qty int, now time.Time) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           awsString(table),
			Key:                 productKey(id),
			UpdateExpression:    awsString(decrementUpdate),
			ConditionExpression: awsString(decrementCondition),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":qty":    &types.AttributeValueMemberN{Value: strconv.Itoa(qty)},
				":active": &types.AttributeValueMemberBOOL{Value: true},
				":ua":     &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
			},
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		},
	}
}

// RestoreStockItem builds the stock restoration as a transaction item.
func RestoreStockItem(table, id string, qty int, now time.Time) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           awsString(table),
			Key:                 productKey(id),
			UpdateExpression:    awsString(restoreUpdate),
			ConditionExpression: awsString(restoreCondition),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":qty": &types.AttributeValueMemberN{Value: strconv.Itoa(qty)},
				":ua":  &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
			},
		},
	}
}

// DecodeItem converts a raw products-table item, e.g. the old image returned
// with a cancelled transaction, into a Product.
func DecodeItem(item map[string]types.AttributeValue) (*Product, error) {
	if len(item) == 0 {
		return nil, nil
	}
	var rec productRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	p, err := rec.toProduct()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func productKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"product_id": &types.AttributeValueMemberS{Value: id},
	}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
