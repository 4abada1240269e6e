package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/getpup/fleetsim/store"
	"github.com/google/uuid"
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// item is the stored shape of a record. The table key is (collection, id).
type item struct {
	Collection     string `dynamodbav:"collection"`
	ID             string `dynamodbav:"id"`
	Data           string `dynamodbav:"data"`
	ETag           string `dynamodbav:"etag"`
	LastModified   int64  `dynamodbav:"last_modified"`
	LockOwnerID    string `dynamodbav:"lock_owner_id,omitempty"`
	LockOwnerType  string `dynamodbav:"lock_owner_type,omitempty"`
	LockExpiration int64  `dynamodbav:"lock_expiration,omitempty"`
}

// Store is a DynamoDB implementation of store.Engine.
// Optimistic concurrency uses conditional writes on the etag attribute.
type Store struct {
	Client    API
	TableName string
}

// New creates a store over an existing client.
func New(client API, tableName string) *Store {
	return &Store{
		Client:    client,
		TableName: tableName,
	}
}

// NewFromDefaultConfig loads the default AWS configuration and creates a store.
func NewFromDefaultConfig(ctx context.Context, tableName string) (*Store, error) {
	if tableName == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	return New(dynamodb.NewFromConfig(cfg), tableName), nil
}

// Get returns a record by id.
// Returns store.ErrNotFound if the record does not exist.
func (s *Store) Get(ctx context.Context, collection, id string) (store.Record, error) {
	out, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.TableName),
		Key:            key(collection, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to get record from dynamodb: %w", err)
	}
	if len(out.Item) == 0 {
		return store.Record{}, store.ErrNotFound
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return store.Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return it.record(), nil
}

// GetAll returns every record in a collection, ordered by id.
func (s *Store) GetAll(ctx context.Context, collection string) ([]store.Record, error) {
	paginator := dynamodb.NewQueryPaginator(s.Client, &dynamodb.QueryInput{
		TableName:              aws.String(s.TableName),
		KeyConditionExpression: aws.String("#c = :c"),
		ExpressionAttributeNames: map[string]string{
			"#c": "collection",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: collection},
		},
		ConsistentRead: aws.Bool(true),
	})

	records := []store.Record{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query records from dynamodb: %w", err)
		}

		var items []item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal records: %w", err)
		}
		for _, it := range items {
			records = append(records, it.record())
		}
	}

	return records, nil
}

// Create inserts a new record.
// Returns store.ErrAlreadyExists if a record with the same id exists.
func (s *Store) Create(ctx context.Context, collection string, record store.Record) (store.Record, error) {
	record = stamp(record)

	err := s.put(ctx, collection, record, "attribute_not_exists(#id)", map[string]string{"#id": "id"}, nil)
	if isConditionFailed(err) {
		return store.Record{}, store.ErrAlreadyExists
	}
	if err != nil {
		return store.Record{}, err
	}

	return record, nil
}

// Upsert writes a record, conditionally on expectedETag when it is not empty.
// Returns store.ErrConflict if the stored ETag differs or the record is missing.
func (s *Store) Upsert(ctx context.Context, collection string, record store.Record, expectedETag string) (store.Record, error) {
	record = stamp(record)

	if expectedETag == "" {
		if err := s.put(ctx, collection, record, "", nil, nil); err != nil {
			return store.Record{}, err
		}
		return record, nil
	}

	err := s.put(ctx, collection, record, "#etag = :etag",
		map[string]string{"#etag": "etag"},
		map[string]types.AttributeValue{":etag": &types.AttributeValueMemberS{Value: expectedETag}},
	)
	if isConditionFailed(err) {
		return store.Record{}, store.ErrConflict
	}
	if err != nil {
		return store.Record{}, err
	}

	return record, nil
}

// Delete removes a record. Missing records are ignored.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.TableName),
		Key:       key(collection, id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete record from dynamodb: %w", err)
	}
	return nil
}

// DeleteMultiple removes several records. Missing records are ignored.
func (s *Store) DeleteMultiple(ctx context.Context, collection string, ids []string) error {
	for _, id := range ids {
		if err := s.Delete(ctx, collection, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) put(ctx context.Context, collection string, record store.Record, condition string,
	names map[string]string, values map[string]types.AttributeValue) error {
	av, err := attributevalue.MarshalMap(fromRecord(collection, record))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.TableName),
		Item:      av,
	}
	if condition != "" {
		input.ConditionExpression = aws.String(condition)
		input.ExpressionAttributeNames = names
		input.ExpressionAttributeValues = values
	}

	if _, err := s.Client.PutItem(ctx, input); err != nil {
		if isConditionFailed(err) {
			return err
		}
		return fmt.Errorf("failed to store record in dynamodb: %w", err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func key(collection, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"collection": &types.AttributeValueMemberS{Value: collection},
		"id":         &types.AttributeValueMemberS{Value: id},
	}
}

func fromRecord(collection string, r store.Record) item {
	it := item{
		Collection:    collection,
		ID:            r.ID,
		Data:          r.Data,
		ETag:          r.ETag,
		LastModified:  r.LastModified.UnixMilli(),
		LockOwnerID:   r.LockOwnerID,
		LockOwnerType: r.LockOwnerType,
	}
	if !r.LockExpiration.IsZero() {
		it.LockExpiration = r.LockExpiration.UnixMilli()
	}
	return it
}

func (it item) record() store.Record {
	r := store.Record{
		ID:            it.ID,
		Data:          it.Data,
		ETag:          it.ETag,
		LastModified:  time.UnixMilli(it.LastModified).UTC(),
		LockOwnerID:   it.LockOwnerID,
		LockOwnerType: it.LockOwnerType,
	}
	if it.LockExpiration > 0 {
		r.LockExpiration = time.UnixMilli(it.LockExpiration).UTC()
	}
	return r
}

func stamp(record store.Record) store.Record {
	record.ETag = uuid.New().String()
	record.LastModified = time.Now().UTC().Truncate(time.Millisecond)
	record.LockExpiration = record.LockExpiration.Truncate(time.Millisecond)
	return record
}
