package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/memgo/blobstore"
)

// PointerName is the blob name (or name suffix) the commit store treats
// as an archive pointer: the small manifest that names the current
// archived checkpoint of a tenant.
const PointerName = "CHECKPOINT"

// ErrConcurrentModification is returned when another archiver committed
// a pointer update first.
var ErrConcurrentModification = errors.New("s3: concurrent archive modification")

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitStore wraps an S3 store with a DynamoDB commit log so archive
// pointer updates are atomic under concurrent archivers. S3 alone has
// no compare-and-swap: two engines archiving the same tenant could
// silently overwrite each other's pointer. The commit store writes
// pointer content to a versioned S3 key and then claims the version
// with a DynamoDB conditional put; the loser gets
// ErrConcurrentModification instead of clobbering the winner.
//
// All other blobs pass straight through to the wrapped store.
//
// Table schema:
//   - Partition key: archive_uri (string), the pointer's S3 location
//   - Sort key: version (number), monotonically increasing
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name memgo-archives \
//	  --attribute-definitions AttributeName=archive_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=archive_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type CommitStore struct {
	store     *Store
	ddbClient DDBClient
	tableName string
	baseURI   string
}

// NewCommitStore creates a commit store over the given S3 store.
// baseURI identifies the archive root (e.g. "s3://bucket/memgo") and is
// the DynamoDB partition key prefix.
func NewCommitStore(store *Store, ddbClient DDBClient, tableName, baseURI string) *CommitStore {
	return &CommitStore{
		store:     store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

func isPointer(name string) bool {
	return name == PointerName || strings.HasSuffix(name, "/"+PointerName)
}

func (s *CommitStore) uri(name string) string {
	return path.Join(s.baseURI, name)
}

// Put writes a blob. Pointer blobs are committed through DynamoDB; the
// content lands under a versioned S3 key and the version is claimed
// with a conditional write.
func (s *CommitStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if !isPointer(name) {
		return s.store.Put(ctx, name, r, size)
	}

	version, _, err := s.latest(ctx, name)
	if err != nil {
		return err
	}
	next := version + 1

	versioned := fmt.Sprintf("%s.v%06d", name, next)
	if err := s.store.Put(ctx, versioned, r, size); err != nil {
		return err
	}

	return s.commit(ctx, name, next, versioned)
}

// Open opens a blob. Pointer blobs resolve through DynamoDB to the
// latest committed version.
func (s *CommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if !isPointer(name) {
		return s.store.Open(ctx, name)
	}

	version, versioned, err := s.latest(ctx, name)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, blobstore.ErrNotFound
	}
	return s.store.Open(ctx, versioned)
}

// Delete removes a non-pointer blob. Pointer history is kept; deleting
// a pointer is not supported.
func (s *CommitStore) Delete(ctx context.Context, name string) error {
	if isPointer(name) {
		return fmt.Errorf("s3: refusing to delete archive pointer %q", name)
	}
	return s.store.Delete(ctx, name)
}

func (s *CommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.store.List(ctx, prefix)
}

// latest returns the highest committed version and its S3 key, or zero
// when no commit exists.
func (s *CommitStore) latest(ctx context.Context, name string) (uint64, string, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("archive_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.uri(name)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: query commit log: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: commit log item without version")
	}
	keyAttr, ok := item["manifest_key"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: commit log item without manifest_key")
	}

	var version uint64
	if _, err := fmt.Sscanf(versionAttr.Value, "%d", &version); err != nil {
		return 0, "", fmt.Errorf("s3: parse commit version: %w", err)
	}
	return version, keyAttr.Value, nil
}

// commit claims the version with a conditional put. A lost race
// surfaces as ErrConcurrentModification.
func (s *CommitStore) commit(ctx context.Context, name string, version uint64, versionedKey string) error {
	_, err := s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"archive_uri":  &types.AttributeValueMemberS{Value: s.uri(name)},
			"version":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
			"manifest_key": &types.AttributeValueMemberS{Value: versionedKey},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("s3: commit version: %w", err)
	}
	return nil
}
