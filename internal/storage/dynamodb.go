package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

const conversationCounter = "conversation"

// DynamoDBStore implements Store using AWS DynamoDB
type DynamoDBStore struct {
	client *dynamodb.Client
	config Config
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg Config, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == ModeDynamoLocal {
		// Build the client directly: LoadDefaultConfig probes the EC2 IMDS
		// endpoint, which hangs when static credentials are intended.
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
		logger: logger.With().Str("component", "dynamodb_store").Logger(),
	}

	if cfg.Mode == ModeDynamoLocal {
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

func numberKey(name string, v int64) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		name: &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)},
	}
}

func (s *DynamoDBStore) NextConversationID(ctx context.Context) (int64, error) {
	update := expression.Add(expression.Name("Value"), expression.Value(1))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.config.CountersTable),
		Key: map[string]dbtypes.AttributeValue{
			"Name": &dbtypes.AttributeValueMemberS{Value: conversationCounter},
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              dbtypes.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment conversation counter: %w", err)
	}

	var counter struct {
		Value int64 `dynamodbav:"Value"`
	}
	if err := attributevalue.UnmarshalMap(result.Attributes, &counter); err != nil {
		return 0, fmt.Errorf("failed to unmarshal counter: %w", err)
	}
	return counter.Value, nil
}

func (s *DynamoDBStore) CreateConversation(ctx context.Context, conv types.Conversation, messages []types.Message) error {
	convItem, err := attributevalue.MarshalMap(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	items := []dbtypes.TransactWriteItem{{
		Put: &dbtypes.Put{
			TableName:           aws.String(s.config.ConversationsTable),
			Item:                convItem,
			ConditionExpression: aws.String("attribute_not_exists(ID)"),
		},
	}}
	for _, msg := range messages {
		msgItem, err := attributevalue.MarshalMap(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		items = append(items, dbtypes.TransactWriteItem{
			Put: &dbtypes.Put{
				TableName: aws.String(s.config.MessagesTable),
				Item:      msgItem,
			},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		var canceled *dbtypes.TransactionCanceledException
		if errors.As(err, &canceled) && len(canceled.CancellationReasons) > 0 &&
			aws.ToString(canceled.CancellationReasons[0].Code) == "ConditionalCheckFailed" {
			return fmt.Errorf("conversation %d: %w", conv.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create conversation %d: %w", conv.ID, err)
	}
	return nil
}

func (s *DynamoDBStore) SaveConversation(ctx context.Context, conv types.Conversation) error {
	item, err := attributevalue.MarshalMap(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.ConversationsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) FindConversation(ctx context.Context, id int64) (types.Conversation, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.ConversationsTable),
		Key:            numberKey("ID", id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return types.Conversation{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	if result.Item == nil {
		return types.Conversation{}, fmt.Errorf("conversation %d: %w", id, types.ErrNotFound)
	}

	var conv types.Conversation
	if err := attributevalue.UnmarshalMap(result.Item, &conv); err != nil {
		return types.Conversation{}, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return conv, nil
}

// QueryConversations scans the conversations table. For production traffic a
// GSI on Status would avoid the scan.
func (s *DynamoDBStore) QueryConversations(ctx context.Context, filter types.ConversationFilter) ([]types.Conversation, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(s.config.ConversationsTable),
	}

	var cond *expression.ConditionBuilder
	and := func(c expression.ConditionBuilder) {
		if cond == nil {
			cond = &c
			return
		}
		combined := cond.And(c)
		cond = &combined
	}
	if filter.Status != "" {
		and(expression.Name("Status").Equal(expression.Value(string(filter.Status))))
	}
	if filter.VisitorID != "" {
		and(expression.Name("VisitorID").Equal(expression.Value(filter.VisitorID)))
	}
	if filter.AgentID != "" {
		and(expression.Name("AgentID").Equal(expression.Value(filter.AgentID)))
	}
	if cond != nil {
		expr, err := expression.NewBuilder().WithFilter(*cond).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build expression: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	var convs []types.Conversation
	for {
		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversations: %w", err)
		}

		var page []types.Conversation
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversations: %w", err)
		}
		convs = append(convs, page...)

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	sort.Slice(convs, func(i, j int) bool { return convs[i].ID < convs[j].ID })
	return paginate(convs, filter.Offset, filter.Limit), nil
}

func (s *DynamoDBStore) SaveMessage(ctx context.Context, msg types.Message) error {
	item, err := attributevalue.MarshalMap(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.MessagesTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) QueryMessages(ctx context.Context, query types.MessageQuery) ([]types.Message, error) {
	keyCond := expression.Key("ConversationID").Equal(expression.Value(query.ConversationID))
	if query.BeforeID > 0 {
		keyCond = keyCond.And(expression.Key("ID").LessThan(expression.Value(query.BeforeID)))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.MessagesTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
		ConsistentRead:            aws.Bool(true),
	}
	if query.Limit > 0 {
		input.Limit = aws.Int32(int32(query.Limit))
	}

	var msgs []types.Message
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}

		var page []types.Message
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
		}
		msgs = append(msgs, page...)

		if result.LastEvaluatedKey == nil || (query.Limit > 0 && len(msgs) >= query.Limit) {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return paginate(msgs, 0, query.Limit), nil
}

func (s *DynamoDBStore) SaveSession(ctx context.Context, session types.VisitorSession) error {
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.SessionsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) FindSession(ctx context.Context, id string) (types.VisitorSession, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.SessionsTable),
		Key: map[string]dbtypes.AttributeValue{
			"ID": &dbtypes.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return types.VisitorSession{}, fmt.Errorf("failed to get session: %w", err)
	}
	if result.Item == nil {
		return types.VisitorSession{}, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}

	var session types.VisitorSession
	if err := attributevalue.UnmarshalMap(result.Item, &session); err != nil {
		return types.VisitorSession{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return session, nil
}

func (s *DynamoDBStore) Close() error { return nil }
