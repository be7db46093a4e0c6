package nosql

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/privacybudget/pbs-core/internal/metrics"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// dynamoAPI is the subset of *dynamodb.Client this provider calls,
// narrowed for test substitution.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoProvider is the production Provider, backed by
// github.com/aws/aws-sdk-go-v2/service/dynamodb against the
// Budget_Key/Timeframe/TokenCount schema spec.md §6 names.
type DynamoProvider struct {
	client dynamoAPI
}

// NewDynamoProvider resolves credentials/region the same way
// config.LoadDefaultConfig is used elsewhere in this codebase's AWS
// integrations, then builds a dynamodb.Client from it.
func NewDynamoProvider(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (*DynamoProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, err
	}
	return &DynamoProvider{client: dynamodb.NewFromConfig(cfg)}, nil
}

// NewDynamoProviderWithClient wraps an already-constructed client,
// primarily for tests that substitute a fake dynamoAPI.
func NewDynamoProviderWithClient(client dynamoAPI) *DynamoProvider {
	return &DynamoProvider{client: client}
}

func (p *DynamoProvider) GetItem(ctx context.Context, req GetItemRequest) (*Item, *pbserrors.Error) {
	start := time.Now()
	table := req.TableName
	if table == "" {
		table = DefaultTableName
	}
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key: map[string]ddbtypes.AttributeValue{
			PartitionKeyAttr: &ddbtypes.AttributeValueMemberS{Value: req.Key},
			SortKeyAttr:      &ddbtypes.AttributeValueMemberS{Value: dayIndexString(req.DayIndex)},
		},
	})
	if err != nil {
		metrics.RecordNoSQLRequest("get_item", "error", time.Since(start).Seconds())
		return nil, pbserrors.Newf(pbserrors.CodeConflict, "dynamodb GetItem: %v", err)
	}
	if out.Item == nil {
		metrics.RecordNoSQLRequest("get_item", "not_found", time.Since(start).Seconds())
		return nil, nil
	}
	raw, ok := out.Item[TokenCountAttr]
	if !ok {
		metrics.RecordNoSQLRequest("get_item", "error", time.Since(start).Seconds())
		return nil, pbserrors.Newf(pbserrors.CodeCorruptedKeyMetadata, "row missing %s attribute", TokenCountAttr)
	}
	s, ok := raw.(*ddbtypes.AttributeValueMemberS)
	if !ok {
		metrics.RecordNoSQLRequest("get_item", "error", time.Since(start).Seconds())
		return nil, pbserrors.Newf(pbserrors.CodeCorruptedKeyMetadata, "%s attribute is not a string", TokenCountAttr)
	}
	counts, derr := DecodeTokenCount(s.Value)
	if derr != nil {
		metrics.RecordNoSQLRequest("get_item", "error", time.Since(start).Seconds())
		return nil, derr
	}
	metrics.RecordNoSQLRequest("get_item", "ok", time.Since(start).Seconds())
	return &Item{Key: req.Key, DayIndex: req.DayIndex, TokenCount: counts}, nil
}

func (p *DynamoProvider) UpsertItem(ctx context.Context, req UpsertItemRequest) *pbserrors.Error {
	start := time.Now()
	table := req.TableName
	if table == "" {
		table = DefaultTableName
	}
	_, err := p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item: map[string]ddbtypes.AttributeValue{
			PartitionKeyAttr: &ddbtypes.AttributeValueMemberS{Value: req.Item.Key},
			SortKeyAttr:      &ddbtypes.AttributeValueMemberS{Value: dayIndexString(req.Item.DayIndex)},
			TokenCountAttr:   &ddbtypes.AttributeValueMemberS{Value: EncodeTokenCount(req.Item.TokenCount)},
		},
	})
	if err != nil {
		metrics.RecordNoSQLRequest("upsert_item", "error", time.Since(start).Seconds())
		return pbserrors.Newf(pbserrors.CodeConflict, "dynamodb PutItem: %v", err)
	}
	metrics.RecordNoSQLRequest("upsert_item", "ok", time.Since(start).Seconds())
	return nil
}
