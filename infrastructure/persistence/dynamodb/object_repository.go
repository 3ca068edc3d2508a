package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"threatgraph/application/ports"
	"threatgraph/domain/stix"
	apperrors "threatgraph/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// ObjectRepository implements ports.ObjectRepository on a single DynamoDB
// table. Each object version is one item keyed by
// (OBJECT#<id>, VERSION#<timestamp>); a per-object LATEST item shadows the
// newest version and carries the GSI1 type index used by domain queries.
type ObjectRepository struct {
	client    *dynamodb.Client
	tableName string
	indexName string
	logger    *zap.Logger
}

// NewObjectRepository creates a new ObjectRepository
func NewObjectRepository(client *dynamodb.Client, tableName, indexName string, logger *zap.Logger) ports.ObjectRepository {
	return &ObjectRepository{
		client:    client,
		tableName: tableName,
		indexName: indexName,
		logger:    logger,
	}
}

const (
	entityObjectVersion = "OBJECT_VERSION"
	entityObjectLatest  = "OBJECT_LATEST"
)

// objectItem is the DynamoDB item structure for one object version. The
// STIX payload and workspace are stored as a JSON document; the promoted
// attributes exist only for keys and filters.
type objectItem struct {
	PK         string   `dynamodbav:"PK"`
	SK         string   `dynamodbav:"SK"`
	GSI1PK     string   `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK     string   `dynamodbav:"GSI1SK,omitempty"`
	EntityType string   `dynamodbav:"EntityType"`
	StableID   string   `dynamodbav:"StableID"`
	ObjectType string   `dynamodbav:"ObjectType"`
	VersionTS  string   `dynamodbav:"VersionTS"`
	Domains    []string `dynamodbav:"Domains,omitempty"`
	Revoked    bool     `dynamodbav:"Revoked"`
	Deprecated bool     `dynamodbav:"Deprecated"`
	State      string   `dynamodbav:"State,omitempty"`
	Doc        string   `dynamodbav:"Doc"`
}

func objectPK(stableID string) string {
	return fmt.Sprintf("OBJECT#%s", stableID)
}

func versionSK(ts time.Time) string {
	return fmt.Sprintf("VERSION#%s", ts.UTC().Format(time.RFC3339Nano))
}

func (r *ObjectRepository) newItem(obj *stix.Object) (*objectItem, error) {
	doc, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object document: %w", err)
	}

	return &objectItem{
		PK:         objectPK(obj.Stix.ID),
		SK:         versionSK(obj.Stix.VersionTimestamp()),
		EntityType: entityObjectVersion,
		StableID:   obj.Stix.ID,
		ObjectType: string(obj.Stix.Type),
		VersionTS:  obj.Stix.VersionTimestamp().UTC().Format(time.RFC3339Nano),
		Domains:    obj.Stix.Domains,
		Revoked:    obj.Stix.Revoked,
		Deprecated: obj.Stix.Deprecated,
		State:      obj.Workspace.Workflow.State,
		Doc:        string(doc),
	}, nil
}

func (r *ObjectRepository) decodeItems(items []map[string]types.AttributeValue) ([]*stix.Object, error) {
	objects := make([]*stix.Object, 0, len(items))
	for _, raw := range items {
		var item objectItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, apperrors.NewDatabaseError("unmarshal object item", err)
		}
		var obj stix.Object
		if err := json.Unmarshal([]byte(item.Doc), &obj); err != nil {
			return nil, apperrors.NewDatabaseError("decode object document", err)
		}
		objects = append(objects, &obj)
	}
	return objects, nil
}

// Create persists a new object version. The conditional put on the
// version item is the uniqueness constraint on (id, modified); the LATEST
// shadow item is refreshed only when the new version timestamp is not
// older than the one it carries, so out-of-order writes cannot regress it.
func (r *ObjectRepository) Create(ctx context.Context, obj *stix.Object) error {
	item, err := r.newItem(obj)
	if err != nil {
		return apperrors.NewDatabaseError("marshal object", err)
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return apperrors.NewDatabaseError("marshal object item", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return apperrors.NewDuplicateIDError(obj.Stix.ID)
		}
		return apperrors.NewDatabaseError("put object version", err)
	}

	if err := r.refreshLatest(ctx, item); err != nil {
		return err
	}

	r.logger.Debug("Object version created",
		zap.String("stableID", obj.Stix.ID),
		zap.String("type", string(obj.Stix.Type)),
		zap.String("versionTS", item.VersionTS),
	)

	return nil
}

func (r *ObjectRepository) refreshLatest(ctx context.Context, item *objectItem) error {
	latest := *item
	latest.SK = "LATEST"
	latest.EntityType = entityObjectLatest
	latest.GSI1PK = fmt.Sprintf("TYPE#%s", item.ObjectType)
	latest.GSI1SK = item.PK

	av, err := attributevalue.MarshalMap(latest)
	if err != nil {
		return apperrors.NewDatabaseError("marshal latest item", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(VersionTS) OR VersionTS <= :ts"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts": &types.AttributeValueMemberS{Value: latest.VersionTS},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			// A newer version already holds the LATEST slot.
			return nil
		}
		return apperrors.NewDatabaseError("put latest item", err)
	}
	return nil
}

// Update replaces an existing version item in place. Used for workspace
// metadata changes such as reimport records.
func (r *ObjectRepository) Update(ctx context.Context, obj *stix.Object) error {
	item, err := r.newItem(obj)
	if err != nil {
		return apperrors.NewDatabaseError("marshal object", err)
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return apperrors.NewDatabaseError("marshal object item", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(PK) AND attribute_exists(SK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return apperrors.NewNotFoundError(fmt.Sprintf("object %s", obj.Stix.ID))
		}
		return apperrors.NewDatabaseError("update object version", err)
	}

	return r.refreshLatest(ctx, item)
}

// RetrieveAllVersions returns every stored version of a stable id, oldest
// first.
func (r *ObjectRepository) RetrieveAllVersions(ctx context.Context, stableID string) ([]*stix.Object, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: objectPK(stableID)},
			":sk": &types.AttributeValueMemberS{Value: "VERSION#"},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var items []map[string]types.AttributeValue
	for {
		result, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, apperrors.NewDatabaseError("query object versions", err)
		}
		items = append(items, result.Items...)
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return r.decodeItems(items)
}

// RetrieveLatest returns the latest version of a stable id.
func (r *ObjectRepository) RetrieveLatest(ctx context.Context, stableID string) (*stix.Object, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: objectPK(stableID)},
			"SK": &types.AttributeValueMemberS{Value: "LATEST"},
		},
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("get latest object", err)
	}
	if result.Item == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("object %s", stableID))
	}

	objects, err := r.decodeItems([]map[string]types.AttributeValue{result.Item})
	if err != nil {
		return nil, err
	}
	return objects[0], nil
}

// RetrieveVersion returns the exact (id, modified) version.
func (r *ObjectRepository) RetrieveVersion(ctx context.Context, stableID string, modified time.Time) (*stix.Object, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: objectPK(stableID)},
			"SK": &types.AttributeValueMemberS{Value: versionSK(modified)},
		},
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("get object version", err)
	}
	if result.Item == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("object %s version %s", stableID, modified.Format(time.RFC3339)))
	}

	objects, err := r.decodeItems([]map[string]types.AttributeValue{result.Item})
	if err != nil {
		return nil, err
	}
	return objects[0], nil
}

// RetrieveAllByDomain returns the latest version of every object tagged
// with the domain, one GSI query per requested type.
func (r *ObjectRepository) RetrieveAllByDomain(ctx context.Context, query ports.DomainQuery) ([]*stix.Object, error) {
	var objects []*stix.Object
	for _, objectType := range query.Types {
		filter := expression.Name("EntityType").Equal(expression.Value(entityObjectLatest)).
			And(expression.Name("Domains").Contains(query.Domain))
		filter = applyVersionFilter(filter, query.VersionFilter)

		typed, err := r.queryTypeIndex(ctx, objectType, filter)
		if err != nil {
			return nil, err
		}
		objects = append(objects, typed...)
	}
	return objects, nil
}

// RetrieveAllByType returns the latest version of every object of the
// given type matching the filter.
func (r *ObjectRepository) RetrieveAllByType(ctx context.Context, objectType stix.ObjectType, versionFilter ports.VersionFilter) ([]*stix.Object, error) {
	filter := expression.Name("EntityType").Equal(expression.Value(entityObjectLatest))
	filter = applyVersionFilter(filter, versionFilter)
	return r.queryTypeIndex(ctx, objectType, filter)
}

// RetrieveAllRelationships returns the latest version of every
// relationship matching the filter.
func (r *ObjectRepository) RetrieveAllRelationships(ctx context.Context, versionFilter ports.VersionFilter) ([]*stix.Object, error) {
	return r.RetrieveAllByType(ctx, stix.TypeRelationship, versionFilter)
}

// RetrieveDetectionStrategiesReferencingAnalytics returns latest detection
// strategies whose analytic reference list intersects analyticIDs. The
// candidate set per type is small enough that the intersection is done
// client-side after one type-index query.
func (r *ObjectRepository) RetrieveDetectionStrategiesReferencingAnalytics(ctx context.Context, analyticIDs []string, versionFilter ports.VersionFilter) ([]*stix.Object, error) {
	if len(analyticIDs) == 0 {
		return nil, nil
	}

	filter := expression.Name("EntityType").Equal(expression.Value(entityObjectLatest))
	filter = applyVersionFilter(filter, versionFilter)

	strategies, err := r.queryTypeIndex(ctx, stix.TypeDetectionStrategy, filter)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(analyticIDs))
	for _, id := range analyticIDs {
		wanted[id] = true
	}

	var matched []*stix.Object
	for _, strategy := range strategies {
		for _, ref := range strategy.Stix.AnalyticRefs {
			if wanted[ref] {
				matched = append(matched, strategy)
				break
			}
		}
	}
	return matched, nil
}

func applyVersionFilter(filter expression.ConditionBuilder, versionFilter ports.VersionFilter) expression.ConditionBuilder {
	if !versionFilter.IncludeRevoked {
		filter = filter.And(expression.Name("Revoked").Equal(expression.Value(false)))
	}
	if !versionFilter.IncludeDeprecated {
		filter = filter.And(expression.Name("Deprecated").Equal(expression.Value(false)))
	}
	if versionFilter.State != "" {
		filter = filter.And(expression.Name("State").Equal(expression.Value(versionFilter.State)))
	}
	return filter
}

func (r *ObjectRepository) queryTypeIndex(ctx context.Context, objectType stix.ObjectType, filter expression.ConditionBuilder) ([]*stix.Object, error) {
	keyCondition := expression.Key("GSI1PK").Equal(expression.Value(fmt.Sprintf("TYPE#%s", objectType)))

	expr, err := expression.NewBuilder().
		WithKeyCondition(keyCondition).
		WithFilter(filter).
		Build()
	if err != nil {
		return nil, apperrors.NewDatabaseError("build type query", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String(r.indexName),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var items []map[string]types.AttributeValue
	for {
		result, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, apperrors.NewDatabaseError("query type index", err)
		}
		items = append(items, result.Items...)
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return r.decodeItems(items)
}
