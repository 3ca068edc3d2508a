package dynamodb

import (
	"context"
	"fmt"

	"threatgraph/application/ports"
	apperrors "threatgraph/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// ReferenceRepository implements ports.ReferenceRepository on the shared
// table. One item per canonical source name.
type ReferenceRepository struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

// NewReferenceRepository creates a new ReferenceRepository
func NewReferenceRepository(client *dynamodb.Client, tableName string, logger *zap.Logger) ports.ReferenceRepository {
	return &ReferenceRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

const entityReference = "REFERENCE"

type referenceItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	EntityType  string `dynamodbav:"EntityType"`
	SourceName  string `dynamodbav:"SourceName"`
	Description string `dynamodbav:"Description,omitempty"`
	URL         string `dynamodbav:"URL,omitempty"`
}

func referencePK(sourceName string) string {
	return fmt.Sprintf("REFERENCE#%s", sourceName)
}

func newReferenceItem(record ports.ReferenceRecord) referenceItem {
	return referenceItem{
		PK:          referencePK(record.SourceName),
		SK:          "RECORD",
		EntityType:  entityReference,
		SourceName:  record.SourceName,
		Description: record.Description,
		URL:         record.URL,
	}
}

// RetrieveAll lists reference records. A source-name filter turns into
// point reads; an unfiltered listing scans the reference partition.
func (r *ReferenceRepository) RetrieveAll(ctx context.Context, filter ports.ReferenceFilter) ([]ports.ReferenceRecord, error) {
	if len(filter.SourceNames) > 0 {
		return r.retrieveByNames(ctx, filter.SourceNames)
	}

	scanFilter := expression.Name("EntityType").Equal(expression.Value(entityReference))
	expr, err := expression.NewBuilder().WithFilter(scanFilter).Build()
	if err != nil {
		return nil, apperrors.NewDatabaseError("build reference scan", err)
	}

	input := &dynamodb.ScanInput{
		TableName:                 aws.String(r.tableName),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var records []ports.ReferenceRecord
	for {
		result, err := r.client.Scan(ctx, input)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan references", err)
		}
		for _, raw := range result.Items {
			var item referenceItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, apperrors.NewDatabaseError("unmarshal reference item", err)
			}
			records = append(records, ports.ReferenceRecord{
				SourceName:  item.SourceName,
				Description: item.Description,
				URL:         item.URL,
			})
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return records, nil
}

func (r *ReferenceRepository) retrieveByNames(ctx context.Context, sourceNames []string) ([]ports.ReferenceRecord, error) {
	var records []ports.ReferenceRecord
	for _, name := range sourceNames {
		result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: referencePK(name)},
				"SK": &types.AttributeValueMemberS{Value: "RECORD"},
			},
		})
		if err != nil {
			return nil, apperrors.NewDatabaseError("get reference", err)
		}
		if result.Item == nil {
			continue
		}
		var item referenceItem
		if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
			return nil, apperrors.NewDatabaseError("unmarshal reference item", err)
		}
		records = append(records, ports.ReferenceRecord{
			SourceName:  item.SourceName,
			Description: item.Description,
			URL:         item.URL,
		})
	}
	return records, nil
}

// Create stores a new reference record.
func (r *ReferenceRepository) Create(ctx context.Context, record ports.ReferenceRecord) error {
	av, err := attributevalue.MarshalMap(newReferenceItem(record))
	if err != nil {
		return apperrors.NewDatabaseError("marshal reference item", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return apperrors.NewConflictError(fmt.Sprintf("reference already exists: %s", record.SourceName))
		}
		return apperrors.NewDatabaseError("put reference", err)
	}

	r.logger.Debug("Reference created", zap.String("sourceName", record.SourceName))
	return nil
}

// Update replaces an existing reference record.
func (r *ReferenceRepository) Update(ctx context.Context, record ports.ReferenceRecord) error {
	av, err := attributevalue.MarshalMap(newReferenceItem(record))
	if err != nil {
		return apperrors.NewDatabaseError("marshal reference item", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return apperrors.NewNotFoundError(fmt.Sprintf("reference %s", record.SourceName))
		}
		return apperrors.NewDatabaseError("update reference", err)
	}

	r.logger.Debug("Reference updated", zap.String("sourceName", record.SourceName))
	return nil
}
