package di

import (
	"context"

	"threatgraph/application/ports"
	"threatgraph/application/services"
	"threatgraph/infrastructure/config"
	"threatgraph/infrastructure/messaging/eventbridge"
	"threatgraph/infrastructure/persistence/dynamodb"
	"threatgraph/pkg/auth"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"go.uber.org/zap"
)

// Container holds all application dependencies
type Container struct {
	Config        *config.Config
	Logger        *zap.Logger
	ObjectRepo    ports.ObjectRepository
	ReferenceRepo ports.ReferenceRepository
	Publisher     ports.EventPublisher
	Importer      *services.ImportService
	Exporter      *services.ExportService
	JWTValidator  *auth.JWTValidator
}

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// ProvideAWSConfig creates AWS configuration
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
}

// ProvideDynamoDBClient creates a DynamoDB client
func ProvideDynamoDBClient(awsCfg aws.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg)
}

// ProvideEventBridgeClient creates an EventBridge client
func ProvideEventBridgeClient(awsCfg aws.Config) *awseventbridge.Client {
	return awseventbridge.NewFromConfig(awsCfg)
}

// ProvideObjectRepository creates the versioned object repository
func ProvideObjectRepository(client *awsdynamodb.Client, cfg *config.Config, logger *zap.Logger) ports.ObjectRepository {
	return dynamodb.NewObjectRepository(client, cfg.DynamoDBTable, cfg.IndexName, logger)
}

// ProvideReferenceRepository creates the external reference repository
func ProvideReferenceRepository(client *awsdynamodb.Client, cfg *config.Config, logger *zap.Logger) ports.ReferenceRepository {
	return dynamodb.NewReferenceRepository(client, cfg.DynamoDBTable, logger)
}

// ProvideEventPublisher creates the import event publisher. Events are
// optional; a nil publisher disables them.
func ProvideEventPublisher(client *awseventbridge.Client, cfg *config.Config, logger *zap.Logger) ports.EventPublisher {
	if !cfg.EnableEvents {
		return nil
	}
	return eventbridge.NewPublisher(client, cfg.EventBusName, logger)
}

// ProvideHandlerRegistry creates the per-type import handler registry
func ProvideHandlerRegistry(objects ports.ObjectRepository, logger *zap.Logger) *services.HandlerRegistry {
	return services.NewHandlerRegistry(objects, logger)
}

// ProvideReferenceService creates the reference reconciliation service
func ProvideReferenceService(references ports.ReferenceRepository, logger *zap.Logger) *services.ReferenceService {
	return services.NewReferenceService(references, logger)
}

// ProvideImportService creates the bundle import service
func ProvideImportService(
	objects ports.ObjectRepository,
	handlers *services.HandlerRegistry,
	references *services.ReferenceService,
	publisher ports.EventPublisher,
	logger *zap.Logger,
) *services.ImportService {
	return services.NewImportService(objects, handlers, references, publisher, logger)
}

// ProvideExportService creates the bundle export service
func ProvideExportService(objects ports.ObjectRepository, cfg *config.Config, logger *zap.Logger) *services.ExportService {
	return services.NewExportService(objects, cfg.DeprecatedRelationshipPatterns, logger)
}

// ProvideJWTValidator creates the bearer token validator. An empty secret
// disables authentication; config validation rejects that in production.
func ProvideJWTValidator(cfg *config.Config) (*auth.JWTValidator, error) {
	if cfg.JWTSecret == "" {
		return nil, nil
	}
	return auth.NewJWTValidator(auth.JWTConfig{
		SecretKey: cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
	})
}
