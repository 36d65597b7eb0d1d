package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

const pendingDeletionPartition = "PENDING_DELETION"

// AssetRepository handles video asset metadata in DynamoDB. All mutations are
// targeted field updates so concurrent writers (transcode vs thumbnail jobs)
// cannot clobber each other's fields.
type AssetRepository struct {
	client    *dynamodb.Client
	tableName string
}

// NewAssetRepository creates an AssetRepository using the provided configuration.
func NewAssetRepository(ctx context.Context, cfg *config.Config) (*AssetRepository, error) {
	if cfg.AWS.DynamoDBTable == "" {
		return nil, errors.New("DynamoDB table name is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWS.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	return &AssetRepository{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.AWS.DynamoDBTable,
	}, nil
}

// NewAssetRepositoryFromClient creates an AssetRepository from an existing client.
func NewAssetRepositoryFromClient(client *dynamodb.Client, tableName string) *AssetRepository {
	return &AssetRepository{client: client, tableName: tableName}
}

func assetKey(videoID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "VIDEO#" + videoID},
		"sk": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

func ownerKey(ownerID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "OWNER#" + ownerID},
		"sk": &types.AttributeValueMemberS{Value: "QUOTA"},
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateAsset creates a new asset record with its native source.
func (r *AssetRepository) CreateAsset(ctx context.Context, videoID, ownerID, nativeKey string, sizeBytes int64, private bool) (*models.VideoAsset, error) {
	now := nowRFC3339()

	asset := &models.VideoAsset{
		PK:              "VIDEO#" + videoID,
		SK:              "METADATA",
		VideoID:         videoID,
		OwnerID:         ownerID,
		NativeSourceKey: nativeKey,
		SizeBytes:       sizeBytes,
		Status:          models.StatusUploading,
		Private:         private,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	item, err := attributevalue.MarshalMap(asset)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal asset: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, fmt.Errorf("%w: %s", models.ErrAssetExists, videoID)
		}
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}

	return asset, nil
}

// GetAsset retrieves asset metadata by id.
func (r *AssetRepository) GetAsset(ctx context.Context, videoID string) (*models.VideoAsset, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       assetKey(videoID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrAssetNotFound
	}

	var asset models.VideoAsset
	if err := attributevalue.UnmarshalMap(result.Item, &asset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal asset: %w", err)
	}
	return &asset, nil
}

// SetStatus updates the asset status and optional error message.
func (r *AssetRepository) SetStatus(ctx context.Context, videoID string, status models.VideoStatus, errorMessage string) error {
	expr := "SET #status = :status, updated_at = :updated_at"
	values := map[string]types.AttributeValue{
		":status":     &types.AttributeValueMemberS{Value: string(status)},
		":updated_at": &types.AttributeValueMemberS{Value: nowRFC3339()},
	}
	if errorMessage != "" {
		expr += ", error_message = :error"
		values[":error"] = &types.AttributeValueMemberS{Value: errorMessage}
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       assetKey(videoID),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrAssetNotFound
		}
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// SetDuration records the probed duration of the native source.
func (r *AssetRepository) SetDuration(ctx context.Context, videoID string, seconds float64) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              assetKey(videoID),
		UpdateExpression: aws.String("SET duration_seconds = :d, updated_at = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberN{Value: fmt.Sprintf("%g", seconds)},
			":u": &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrAssetNotFound
		}
		return fmt.Errorf("failed to set duration: %w", err)
	}
	return nil
}

// UpsertSource inserts or overwrites one entry in the asset's source map.
// Keyed by rendition label, so re-running a transcode job replaces its own
// rung instead of appending a duplicate.
func (r *AssetRepository) UpsertSource(ctx context.Context, videoID, label string, src models.VideoSource) error {
	srcAV, err := attributevalue.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to marshal source: %w", err)
	}

	// The sources map must exist before a nested path can be set.
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              assetKey(videoID),
		UpdateExpression: aws.String("SET sources = if_not_exists(sources, :empty)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrAssetNotFound
		}
		return fmt.Errorf("failed to ensure sources map: %w", err)
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      assetKey(videoID),
		UpdateExpression:         aws.String("SET sources.#label = :src, updated_at = :u"),
		ExpressionAttributeNames: map[string]string{"#label": label},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":src": srcAV,
			":u":   &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrAssetNotFound
		}
		return fmt.Errorf("failed to upsert source %s: %w", label, err)
	}
	return nil
}

// MarkTranscoded records transcode completion for status convergence.
func (r *AssetRepository) MarkTranscoded(ctx context.Context, videoID string) error {
	return r.setTimestamp(ctx, videoID, "transcoded_at")
}

// MarkThumbnailsSkipped records thumbnail completion without artifacts.
// Private assets never derive posters, so the convergence attribute is set
// up front or the asset would never reach ready.
func (r *AssetRepository) MarkThumbnailsSkipped(ctx context.Context, videoID string) error {
	return r.setTimestamp(ctx, videoID, "thumbnailed_at")
}

// SetSizeBytes records the verified upload size.
func (r *AssetRepository) SetSizeBytes(ctx context.Context, videoID string, size int64) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              assetKey(videoID),
		UpdateExpression: aws.String("SET size_bytes = :s, updated_at = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", size)},
			":u": &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrAssetNotFound
		}
		return fmt.Errorf("failed to set size: %w", err)
	}
	return nil
}

// SetThumbnails records both poster keys and thumbnail completion.
func (r *AssetRepository) SetThumbnails(ctx context.Context, videoID, smallKey, largeKey string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       assetKey(videoID),
		UpdateExpression: aws.String(
			"SET small_thumbnail_key = :small, large_thumbnail_key = :large, updated_at = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":small": &types.AttributeValueMemberS{Value: smallKey},
			":large": &types.AttributeValueMemberS{Value: largeKey},
			":u":     &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrAssetNotFound
		}
		return fmt.Errorf("failed to set thumbnails: %w", err)
	}
	return nil
}

// SetStoryboard records the storyboard sprite key and tile manifest.
func (r *AssetRepository) SetStoryboard(ctx context.Context, videoID string, sb models.Storyboard) error {
	sbAV, err := attributevalue.Marshal(sb)
	if err != nil {
		return fmt.Errorf("failed to marshal storyboard: %w", err)
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              assetKey(videoID),
		UpdateExpression: aws.String("SET storyboard = :sb, thumbnailed_at = :t, updated_at = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sb": sbAV,
			":t":  &types.AttributeValueMemberS{Value: nowRFC3339()},
			":u":  &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrAssetNotFound
		}
		return fmt.Errorf("failed to set storyboard: %w", err)
	}
	return nil
}

func (r *AssetRepository) setTimestamp(ctx context.Context, videoID, attr string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      assetKey(videoID),
		UpdateExpression:         aws.String("SET #a = :t, updated_at = :t"),
		ExpressionAttributeNames: map[string]string{"#a": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrAssetNotFound
		}
		return fmt.Errorf("failed to set %s: %w", attr, err)
	}
	return nil
}

// MarkReadyIfComplete flips the asset to ready once both the transcode and
// thumbnail jobs have recorded completion. Safe to call from either job; the
// condition fails harmlessly while the other job is still running.
func (r *AssetRepository) MarkReadyIfComplete(ctx context.Context, videoID string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      assetKey(videoID),
		UpdateExpression:         aws.String("SET #status = :ready, updated_at = :u"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ready": &types.AttributeValueMemberS{Value: string(models.StatusReady)},
			":u":     &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
		ConditionExpression: aws.String(
			"attribute_exists(pk) AND attribute_exists(transcoded_at) AND attribute_exists(thumbnailed_at)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		return fmt.Errorf("failed to mark ready: %w", err)
	}
	return nil
}

// AddViews additively applies a flushed view count to the durable total.
func (r *AssetRepository) AddViews(ctx context.Context, videoID string, delta int64) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              assetKey(videoID),
		UpdateExpression: aws.String("ADD #views :d"),
		ExpressionAttributeNames: map[string]string{"#views": "views"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", delta)},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrAssetNotFound
		}
		return fmt.Errorf("failed to add views: %w", err)
	}
	return nil
}

// MarkPendingDeletion schedules the asset for the retention sweep.
func (r *AssetRepository) MarkPendingDeletion(ctx context.Context, videoID string, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339)
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       assetKey(videoID),
		UpdateExpression: aws.String(
			"SET pending_deletion_at = :at, gsi1pk = :part, gsi1sk = :sort, updated_at = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":   &types.AttributeValueMemberS{Value: ts},
			":part": &types.AttributeValueMemberS{Value: pendingDeletionPartition},
			":sort": &types.AttributeValueMemberS{Value: ts + "#" + videoID},
			":u":    &types.AttributeValueMemberS{Value: nowRFC3339()},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrAssetNotFound
		}
		return fmt.Errorf("failed to mark pending deletion: %w", err)
	}
	return nil
}

// ListPendingDeletion returns assets whose pendingDeletionAt is before the
// given instant, oldest first.
func (r *AssetRepository) ListPendingDeletion(ctx context.Context, before time.Time, limit int32) ([]models.VideoAsset, error) {
	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("gsi1pk = :pk AND gsi1sk < :before"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pendingDeletionPartition},
			":before": &types.AttributeValueMemberS{Value: before.UTC().Format(time.RFC3339)},
		},
		Limit: aws.Int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deletions: %w", err)
	}

	var assets []models.VideoAsset
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &assets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assets: %w", err)
	}
	return assets, nil
}

// DeleteAsset removes the metadata row. Returns the removed asset, or
// ErrAssetNotFound if it was already gone.
func (r *AssetRepository) DeleteAsset(ctx context.Context, videoID string) (*models.VideoAsset, error) {
	result, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(r.tableName),
		Key:          assetKey(videoID),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete asset: %w", err)
	}
	if result.Attributes == nil {
		return nil, models.ErrAssetNotFound
	}

	var asset models.VideoAsset
	if err := attributevalue.UnmarshalMap(result.Attributes, &asset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deleted asset: %w", err)
	}
	return &asset, nil
}

// AddStorageUsed atomically adjusts an owner's used-storage counter.
func (r *AssetRepository) AddStorageUsed(ctx context.Context, ownerID string, delta int64) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              ownerKey(ownerID),
		UpdateExpression: aws.String("ADD used_storage_bytes :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", delta)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to add storage used: %w", err)
	}
	return nil
}

// DecrementStorageUsed subtracts size from an owner's used-storage counter,
// floored at zero. A decrement past zero clamps instead of going negative, so
// deletion retries converge.
func (r *AssetRepository) DecrementStorageUsed(ctx context.Context, ownerID string, size int64) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              ownerKey(ownerID),
		UpdateExpression: aws.String("ADD used_storage_bytes :neg"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":neg":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", -size)},
			":size": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", size)},
		},
		ConditionExpression: aws.String("used_storage_bytes >= :size"),
	})
	if err == nil {
		return nil
	}

	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		return fmt.Errorf("failed to decrement storage used: %w", err)
	}

	// Counter below size (partial retry or drift): clamp to zero.
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              ownerKey(ownerID),
		UpdateExpression: aws.String("SET used_storage_bytes = :zero"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to clamp storage used: %w", err)
	}
	return nil
}
