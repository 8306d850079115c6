package apps

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/eleven-am/pondpush/internal/config"
	"github.com/goccy/go-json"
)

// AppKeyIndex is the global secondary index queried by FindByKey.
const AppKeyIndex = "AppKeyIndex"

// DynamoDBClient is the part of the DynamoDB API the manager needs.
type DynamoDBClient interface {
	GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error)
	QueryWithContext(ctx aws.Context, input *dynamodb.QueryInput, opts ...request.Option) (*dynamodb.QueryOutput, error)
}

// DynamoDBManager reads apps from a table keyed by AppId with an AppKey
// index. Webhooks are stored as a JSON string.
type DynamoDBManager struct {
	client DynamoDBClient
	table  string
	limits config.LimitsConfig
}

func NewDynamoDBManager(client DynamoDBClient, table string, limits config.LimitsConfig) *DynamoDBManager {
	return &DynamoDBManager{client: client, table: table, limits: limits}
}

// NewAWSDynamoDB builds a client from the default credential chain. An empty
// endpoint uses the regional AWS endpoint.
func NewAWSDynamoDB(cfg config.DynamoDBConfig) (*dynamodb.DynamoDB, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("aws session for dynamodb: %w", err)
	}
	return dynamodb.New(sess), nil
}

func (m *DynamoDBManager) FindByID(ctx context.Context, id string) (*App, error) {
	out, err := m.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(m.table),
		Key: map[string]*dynamodb.AttributeValue{
			"AppId": {S: aws.String(id)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get app %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return m.decode(out.Item)
}

func (m *DynamoDBManager) FindByKey(ctx context.Context, key string) (*App, error) {
	out, err := m.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(m.table),
		IndexName:              aws.String(AppKeyIndex),
		ScanIndexForward:       aws.Bool(false),
		Limit:                  aws.Int64(1),
		KeyConditionExpression: aws.String("AppKey = :app_key"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":app_key": {S: aws.String(key)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query app key %s: %w", key, err)
	}
	if len(out.Items) == 0 {
		return nil, ErrNotFound
	}
	return m.decode(out.Items[0])
}

type dynamoItem struct {
	AppID                        string  `dynamodbav:"AppId"`
	AppKey                       string  `dynamodbav:"AppKey"`
	AppSecret                    string  `dynamodbav:"AppSecret"`
	Enabled                      *bool   `dynamodbav:"Enabled"`
	EnableClientMessages         bool    `dynamodbav:"EnableClientMessages"`
	EnableUserAuthentication     bool    `dynamodbav:"EnableUserAuthentication"`
	MaxConnections               int     `dynamodbav:"MaxConnections"`
	MaxBackendEventsPerSecond    int     `dynamodbav:"MaxBackendEventsPerSecond"`
	MaxClientEventsPerSecond     int     `dynamodbav:"MaxClientEventsPerSecond"`
	MaxReadRequestsPerSecond     int     `dynamodbav:"MaxReadRequestsPerSecond"`
	MaxPresenceMembersPerChannel int     `dynamodbav:"MaxPresenceMembersPerChannel"`
	MaxPresenceMemberSizeInKb    float64 `dynamodbav:"MaxPresenceMemberSizeInKb"`
	MaxChannelNameLength         int     `dynamodbav:"MaxChannelNameLength"`
	MaxEventChannelsAtOnce       int     `dynamodbav:"MaxEventChannelsAtOnce"`
	MaxEventNameLength           int     `dynamodbav:"MaxEventNameLength"`
	MaxEventPayloadInKb          float64 `dynamodbav:"MaxEventPayloadInKb"`
	MaxEventBatchSize            int     `dynamodbav:"MaxEventBatchSize"`
	Webhooks                     string  `dynamodbav:"Webhooks"`
}

func (m *DynamoDBManager) decode(raw map[string]*dynamodb.AttributeValue) (*App, error) {
	var item dynamoItem

	if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
		return nil, fmt.Errorf("decode app item: %w", err)
	}
	cfg := config.AppConfig{
		ID:                       item.AppID,
		Key:                      item.AppKey,
		Secret:                   item.AppSecret,
		Enabled:                  item.Enabled,
		EnableClientMessages:     item.EnableClientMessages,
		EnableUserAuthentication: item.EnableUserAuthentication,
		MaxConnections:           item.MaxConnections,
		MaxBackendEventsPerSec:   item.MaxBackendEventsPerSecond,
		MaxClientEventsPerSec:    item.MaxClientEventsPerSecond,
		MaxReadRequestsPerSec:    item.MaxReadRequestsPerSecond,
		MaxPresenceMembers:       item.MaxPresenceMembersPerChannel,
		MaxPresenceMemberSizeKB:  item.MaxPresenceMemberSizeInKb,
		MaxChannelNameLength:     item.MaxChannelNameLength,
		MaxEventChannelsAtOnce:   item.MaxEventChannelsAtOnce,
		MaxEventNameLength:       item.MaxEventNameLength,
		MaxEventPayloadKB:        item.MaxEventPayloadInKb,
		MaxEventBatchSize:        item.MaxEventBatchSize,
	}
	if item.Webhooks != "" {
		if err := json.Unmarshal([]byte(item.Webhooks), &cfg.Webhooks); err != nil {
			return nil, fmt.Errorf("decode webhooks of app %s: %w", item.AppID, err)
		}
	}
	if cfg.ID == "" || cfg.Key == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("app item %q is missing its id, key or secret", item.AppID)
	}
	return FromConfig(cfg, m.limits), nil
}
