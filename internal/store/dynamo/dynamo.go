// Package dynamo is the DynamoDB store backend. It has no native change
// stream wired in; wrap it with store.NewNotifying to feed the change broker.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	productKey  = "product_id"
	orderKey    = "order_id"
	settingsKey = "settings_id"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type Tables struct {
	Products string
	Orders   string
	Settings string
}

type Store struct {
	client API
	tables Tables
	logger *logrus.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// NewClient builds a DynamoDB client for region. A non-empty endpoint points
// it at a local emulator with static dummy credentials.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func New(client API, tables Tables, logger *logrus.Logger) *Store {
	return &Store{
		client: client,
		tables: tables,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func key(name, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberS{Value: id},
	}
}

func isConditionFailed(err error) (*types.ConditionalCheckFailedException, bool) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ccf, true
	}
	return nil, false
}

func (s *Store) scanAll(ctx context.Context, table string, out interface{}) error {
	var items []map[string]types.AttributeValue
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(table),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", table, err)
		}
		items = append(items, page.Items...)
	}
	return attributevalue.UnmarshalListOfMaps(items, out)
}

func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	products := []models.Product{}
	if err := s.scanAll(ctx, s.tables.Products, &products); err != nil {
		return nil, err
	}
	sort.Slice(products, func(i, j int) bool {
		return products[i].CreatedAt.After(products[j].CreatedAt)
	})
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Products),
		Key:       key(productKey, id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if result.Item == nil {
		return nil, store.ErrNotFound
	}

	var p models.Product
	if err := attributevalue.UnmarshalMap(result.Item, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return &p, nil
}

func (s *Store) InsertProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	created := p.Clone()
	created.ID = uuid.New().String()
	created.CreatedAt = s.now()
	created.UpdatedAt = created.CreatedAt
	created.Version = 1

	if err := s.putNew(ctx, s.tables.Products, productKey, created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) putNew(ctx context.Context, table, keyName string, item interface{}) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name(keyName))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(table),
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("failed to put item: %w", err)
	}
	return nil
}

// update applies upd, bumps the item version and unmarshals the new image
// into out. cond may be nil for an unconditional upsert.
func (s *Store) update(ctx context.Context, table, keyName, id string, upd expression.UpdateBuilder, cond *expression.ConditionBuilder, out interface{}) error {
	upd = upd.
		Set(expression.Name("updated_at"), expression.Value(s.now())).
		Add(expression.Name("version"), expression.Value(1))

	builder := expression.NewBuilder().WithUpdate(upd)
	if cond != nil {
		builder = builder.WithCondition(*cond)
	}
	expr, err := builder.Build()
	if err != nil {
		return err
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(table),
		Key:                                 key(keyName, id),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return err
	}
	return attributevalue.UnmarshalMap(result.Attributes, out)
}

func (s *Store) UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	upd := expression.
		Set(expression.Name("name"), expression.Value(p.Name)).
		Set(expression.Name("brand"), expression.Value(p.Brand)).
		Set(expression.Name("category"), expression.Value(p.Category)).
		Set(expression.Name("price"), expression.Value(p.Price)).
		Set(expression.Name("stock"), expression.Value(p.Stock)).
		Set(expression.Name("description"), expression.Value(p.Description)).
		Set(expression.Name("image"), expression.Value(p.Image)).
		Set(expression.Name("sizes"), expression.Value(p.Sizes)).
		Set(expression.Name("colors"), expression.Value(p.Colors)).
		Set(expression.Name("is_featured"), expression.Value(p.IsFeatured)).
		Set(expression.Name("is_best_seller"), expression.Value(p.IsBestSeller))
	cond := expression.And(
		expression.AttributeExists(expression.Name(productKey)),
		expression.Equal(expression.Name("version"), expression.Value(p.Version)),
	)

	var updated models.Product
	if err := s.update(ctx, s.tables.Products, productKey, p.ID, upd, &cond, &updated); err != nil {
		if ccf, ok := isConditionFailed(err); ok {
			if len(ccf.Item) == 0 {
				return nil, store.ErrNotFound
			}
			return nil, store.ErrConflict
		}
		return nil, fmt.Errorf("failed to update product: %w", err)
	}
	return &updated, nil
}

func (s *Store) SetProductFlag(ctx context.Context, id string, flag store.ProductFlag, value bool) (*models.Product, error) {
	if !flag.Valid() {
		return nil, fmt.Errorf("unknown product flag %q", flag)
	}
	upd := expression.Set(expression.Name(string(flag)), expression.Value(value))
	cond := expression.AttributeExists(expression.Name(productKey))

	var updated models.Product
	if err := s.update(ctx, s.tables.Products, productKey, id, upd, &cond, &updated); err != nil {
		if _, ok := isConditionFailed(err); ok {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to set product flag: %w", err)
	}
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) (int64, error) {
	return s.deleteItem(ctx, s.tables.Products, productKey, id)
}

func (s *Store) deleteItem(ctx context.Context, table, keyName, id string) (int64, error) {
	result, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(table),
		Key:          key(keyName, id),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete item: %w", err)
	}
	if len(result.Attributes) == 0 {
		return 0, nil
	}
	return 1, nil
}

func (s *Store) DecrementStock(ctx context.Context, id string, quantity int) (*models.Product, error) {
	upd := expression.Set(
		expression.Name("stock"),
		expression.Minus(expression.Name("stock"), expression.Value(quantity)),
	)
	cond := expression.And(
		expression.AttributeExists(expression.Name(productKey)),
		expression.GreaterThanEqual(expression.Name("stock"), expression.Value(quantity)),
	)

	var updated models.Product
	if err := s.update(ctx, s.tables.Products, productKey, id, upd, &cond, &updated); err != nil {
		if ccf, ok := isConditionFailed(err); ok {
			// The old image is only returned when the item exists.
			if len(ccf.Item) == 0 {
				return nil, store.ErrNotFound
			}
			return nil, store.ErrInsufficientStock
		}
		return nil, fmt.Errorf("failed to decrement stock: %w", err)
	}
	return &updated, nil
}

func (s *Store) IncrementStock(ctx context.Context, id string, quantity int) (*models.Product, error) {
	upd := expression.Add(expression.Name("stock"), expression.Value(quantity))
	cond := expression.AttributeExists(expression.Name(productKey))

	var updated models.Product
	if err := s.update(ctx, s.tables.Products, productKey, id, upd, &cond, &updated); err != nil {
		if _, ok := isConditionFailed(err); ok {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to increment stock: %w", err)
	}
	return &updated, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	orders := []models.Order{}
	if err := s.scanAll(ctx, s.tables.Orders, &orders); err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Orders),
		Key:       key(orderKey, id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if result.Item == nil {
		return nil, store.ErrNotFound
	}

	var o models.Order
	if err := attributevalue.UnmarshalMap(result.Item, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *Store) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	created := *o
	created.ID = uuid.New().String()
	created.CreatedAt = s.now()
	created.UpdatedAt = created.CreatedAt
	created.Version = 1

	if err := s.putNew(ctx, s.tables.Orders, orderKey, created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (*models.Order, error) {
	upd := expression.Set(expression.Name("status"), expression.Value(status))
	cond := expression.AttributeExists(expression.Name(orderKey))

	var updated models.Order
	if err := s.update(ctx, s.tables.Orders, orderKey, id, upd, &cond, &updated); err != nil {
		if _, ok := isConditionFailed(err); ok {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	return &updated, nil
}

func (s *Store) DeleteOrder(ctx context.Context, id string) (int64, error) {
	return s.deleteItem(ctx, s.tables.Orders, orderKey, id)
}

func (s *Store) GetSettings(ctx context.Context) (*models.Settings, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Settings),
		Key:       key(settingsKey, models.SettingsID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if result.Item == nil {
		defaults := models.DefaultSettings()
		return &defaults, nil
	}

	var settings models.Settings
	if err := attributevalue.UnmarshalMap(result.Item, &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &settings, nil
}

// ReplaceSettings upserts the singleton; ADD on a missing version starts it at 1.
func (s *Store) ReplaceSettings(ctx context.Context, in *models.Settings) (*models.Settings, error) {
	upd := expression.
		Set(expression.Name("business_name"), expression.Value(in.BusinessName)).
		Set(expression.Name("admin_phone"), expression.Value(in.AdminPhone)).
		Set(expression.Name("admin_email"), expression.Value(in.AdminEmail)).
		Set(expression.Name("business_address"), expression.Value(in.BusinessAddress))

	var saved models.Settings
	if err := s.update(ctx, s.tables.Settings, settingsKey, models.SettingsID, upd, nil, &saved); err != nil {
		return nil, fmt.Errorf("failed to replace settings: %w", err)
	}
	return &saved, nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tables.Products),
	})
	return err
}

func (s *Store) Close() error {
	return nil
}
