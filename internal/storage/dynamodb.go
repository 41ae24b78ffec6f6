package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// handoffItem adds the numeric sort key used by the tenant index
type handoffItem struct {
	types.HandoffRequest
	CreatedKey int64 `dynamodbav:"CreatedKey"`
}

// eventItem orders events within a request by creation time
type eventItem struct {
	types.HandoffEvent
	EventKey string `dynamodbav:"EventKey"`
}

// sessionLockItem exists while a session has a non-terminal handoff
type sessionLockItem struct {
	LockKey         string `dynamodbav:"LockKey"`
	ActiveRequestID string `dynamodbav:"ActiveRequestID"`
}

// DynamoDBStore implements HandoffStore and NotificationStore using AWS DynamoDB
type DynamoDBStore struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// For local mode, build the client directly without LoadDefaultConfig.
		// LoadDefaultConfig probes the EC2 IMDS endpoint which hangs on EC2
		// instances when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	// Create tables in local mode
	if cfg.Mode == DynamoModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Msg("DynamoDB store initialized")

	return store, nil
}

func lockKey(tenantID, sessionID string) string {
	return tenantID + "#" + sessionID
}

// cancelledBy reports whether a transaction failed because the condition of item index did not hold
func cancelledBy(err error, index int) bool {
	var tce *dbtypes.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if index >= len(tce.CancellationReasons) {
		return false
	}
	return aws.ToString(tce.CancellationReasons[index].Code) == "ConditionalCheckFailed"
}

func (s *DynamoDBStore) marshalEvent(ev *types.HandoffEvent) (map[string]dbtypes.AttributeValue, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	item, err := attributevalue.MarshalMap(eventItem{
		HandoffEvent: *ev,
		EventKey:     fmt.Sprintf("%020d#%s", ev.CreatedAt.UnixNano(), ev.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handoff event: %w", err)
	}
	return item, nil
}

func (s *DynamoDBStore) CreateHandoff(ctx context.Context, req *types.HandoffRequest, ev *types.HandoffEvent) error {
	reqItem, err := attributevalue.MarshalMap(handoffItem{HandoffRequest: *req, CreatedKey: req.CreatedAt.UnixNano()})
	if err != nil {
		return fmt.Errorf("failed to marshal handoff request: %w", err)
	}
	evItem, err := s.marshalEvent(ev)
	if err != nil {
		return err
	}
	lockItem, err := attributevalue.MarshalMap(sessionLockItem{
		LockKey:         lockKey(req.TenantID, req.SessionID),
		ActiveRequestID: req.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session lock: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []dbtypes.TransactWriteItem{
			{Put: &dbtypes.Put{
				TableName:           aws.String(s.config.SessionLockTable),
				Item:                lockItem,
				ConditionExpression: aws.String("attribute_not_exists(LockKey)"),
			}},
			{Put: &dbtypes.Put{
				TableName:           aws.String(s.config.HandoffTable),
				Item:                reqItem,
				ConditionExpression: aws.String("attribute_not_exists(ID)"),
			}},
			{Put: &dbtypes.Put{
				TableName: aws.String(s.config.EventsTable),
				Item:      evItem,
			}},
		},
	})
	if cancelledBy(err, 0) {
		return ErrActiveHandoffExists
	}
	if err != nil {
		return fmt.Errorf("failed to create handoff request: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetHandoff(ctx context.Context, id string) (*types.HandoffRequest, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.HandoffTable),
		Key:            map[string]dbtypes.AttributeValue{"ID": &dbtypes.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get handoff request: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var item handoffItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal handoff request: %w", err)
	}
	return &item.HandoffRequest, nil
}

func (s *DynamoDBStore) FindActiveBySession(ctx context.Context, tenantID, sessionID string) (*types.HandoffRequest, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.SessionLockTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockKey": &dbtypes.AttributeValueMemberS{Value: lockKey(tenantID, sessionID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read session lock: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var lock sessionLockItem
	if err := attributevalue.UnmarshalMap(out.Item, &lock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session lock: %w", err)
	}
	req, err := s.GetHandoff(ctx, lock.ActiveRequestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, ErrNotFound
	}
	return req, nil
}

func (s *DynamoDBStore) UpdateHandoff(ctx context.Context, req *types.HandoffRequest, expected types.HandoffStatus, ev *types.HandoffEvent) error {
	cond := expression.Name("Status").Equal(expression.Value(string(expected))).
		And(expression.Name("Version").Equal(expression.Value(req.Version)))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	next := *req
	next.Version++
	reqItem, err := attributevalue.MarshalMap(handoffItem{HandoffRequest: next, CreatedKey: req.CreatedAt.UnixNano()})
	if err != nil {
		return fmt.Errorf("failed to marshal handoff request: %w", err)
	}
	evItem, err := s.marshalEvent(ev)
	if err != nil {
		return err
	}

	items := []dbtypes.TransactWriteItem{
		{Put: &dbtypes.Put{
			TableName:                 aws.String(s.config.HandoffTable),
			Item:                      reqItem,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		}},
		{Put: &dbtypes.Put{
			TableName: aws.String(s.config.EventsTable),
			Item:      evItem,
		}},
	}
	if req.Status.IsTerminal() {
		items = append(items, dbtypes.TransactWriteItem{Delete: &dbtypes.Delete{
			TableName: aws.String(s.config.SessionLockTable),
			Key: map[string]dbtypes.AttributeValue{
				"LockKey": &dbtypes.AttributeValueMemberS{Value: lockKey(req.TenantID, req.SessionID)},
			},
		}})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if cancelledBy(err, 0) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update handoff request: %w", err)
	}
	req.Version++
	return nil
}

func (s *DynamoDBStore) ListHandoffs(ctx context.Context, f types.HandoffFilter) ([]types.HandoffRequest, error) {
	keyCond := expression.Key("TenantID").Equal(expression.Value(f.TenantID))
	switch {
	case !f.From.IsZero() && !f.To.IsZero():
		keyCond = keyCond.And(expression.Key("CreatedKey").Between(
			expression.Value(f.From.UnixNano()), expression.Value(f.To.UnixNano()-1)))
	case !f.From.IsZero():
		keyCond = keyCond.And(expression.Key("CreatedKey").GreaterThanEqual(expression.Value(f.From.UnixNano())))
	case !f.To.IsZero():
		keyCond = keyCond.And(expression.Key("CreatedKey").LessThan(expression.Value(f.To.UnixNano())))
	}

	var filters []expression.ConditionBuilder
	if f.Status != "" {
		filters = append(filters, expression.Name("Status").Equal(expression.Value(string(f.Status))))
	}
	if f.AgentID != "" {
		filters = append(filters, expression.Or(
			expression.Name("AgentID").Equal(expression.Value(f.AgentID)),
			expression.Name("HandledBy").Equal(expression.Value(f.AgentID)),
		))
	}

	builder := expression.NewBuilder().WithKeyCondition(keyCond)
	switch len(filters) {
	case 0:
	case 1:
		builder = builder.WithFilter(filters[0])
	default:
		builder = builder.WithFilter(expression.And(filters[0], filters[1], filters[2:]...))
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	limit := clampLimit(f.Limit)
	offset := max(f.Offset, 0)
	var (
		result  []types.HandoffRequest
		lastKey map[string]dbtypes.AttributeValue
	)
	for len(result) < offset+limit {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.config.HandoffTable),
			IndexName:                 aws.String(tenantCreatedIndex),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(false),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query handoff requests: %w", err)
		}
		var page []handoffItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal handoff requests: %w", err)
		}
		for _, item := range page {
			result = append(result, item.HandoffRequest)
		}
		lastKey = out.LastEvaluatedKey
		if lastKey == nil {
			break
		}
	}

	if offset >= len(result) {
		return nil, nil
	}
	end := min(offset+limit, len(result))
	return result[offset:end], nil
}

func (s *DynamoDBStore) ListEvents(ctx context.Context, handoffID string) ([]types.HandoffEvent, error) {
	keyCond := expression.Key("HandoffRequestID").Equal(expression.Value(handoffID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	var (
		result  []types.HandoffEvent
		lastKey map[string]dbtypes.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.config.EventsTable),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query handoff events: %w", err)
		}
		var page []eventItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal handoff events: %w", err)
		}
		for _, item := range page {
			result = append(result, item.HandoffEvent)
		}
		lastKey = out.LastEvaluatedKey
		if lastKey == nil {
			return result, nil
		}
	}
}

func (s *DynamoDBStore) SaveNotification(ctx context.Context, n *types.Notification) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	item, err := attributevalue.MarshalMap(n)
	if err != nil {
		return false, fmt.Errorf("failed to marshal notification: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.NotificationsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(DedupeKey)"),
	})
	var ccf *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to save notification: %w", err)
	}
	return true, nil
}

func (s *DynamoDBStore) ListNotifications(ctx context.Context, tenantID, recipientID string) ([]types.Notification, error) {
	filter := expression.Name("TenantID").Equal(expression.Value(tenantID)).
		And(expression.Name("RecipientID").Equal(expression.Value(recipientID)))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	var (
		result  []types.Notification
		lastKey map[string]dbtypes.AttributeValue
	)
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.config.NotificationsTable),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan notifications: %w", err)
		}
		var page []types.Notification
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notifications: %w", err)
		}
		result = append(result, page...)
		lastKey = out.LastEvaluatedKey
		if lastKey == nil {
			break
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}
