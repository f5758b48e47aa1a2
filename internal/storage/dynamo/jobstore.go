// Package dynamo provides the durable job record store backed by DynamoDB.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
)

// JobStore implements the record store against a DynamoDB table keyed by
// job_id. Writes are conditional: Create requires the key to be absent and
// Update requires the stored version to match, which is what makes the
// coordinator's compare-and-set safe across concurrent RPCs.
type JobStore struct {
	client *dynamodb.Client
	table  string
	logger *common.Logger
}

// NewJobStore creates a record store gateway for the given table.
func NewJobStore(client *dynamodb.Client, table string, logger *common.Logger) *JobStore {
	return &JobStore{client: client, table: table, logger: logger}
}

var _ interfaces.JobStore = (*JobStore)(nil)

// marshalRecord renders a record as a DynamoDB item reusing the json field
// names, so job_id, status, version, and expires_at are real top-level
// attributes for keys, conditions, filters, and the table's TTL setting.
func marshalRecord(record *models.JobRecord) (map[string]ddbtypes.AttributeValue, error) {
	return attributevalue.MarshalMapWithOptions(record, func(o *attributevalue.EncoderOptions) {
		o.TagKey = "json"
	})
}

func unmarshalRecord(item map[string]ddbtypes.AttributeValue) (*models.JobRecord, error) {
	var record models.JobRecord
	err := attributevalue.UnmarshalMapWithOptions(item, &record, func(o *attributevalue.DecoderOptions) {
		o.TagKey = "json"
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	return &record, nil
}

// Create writes a brand-new record, failing with ErrJobExists when the
// job_id is already present.
func (s *JobStore) Create(ctx context.Context, record *models.JobRecord) error {
	item, err := marshalRecord(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record %s: %w", record.JobID, err)
	}

	// Conditional writes are not retried here: a failed condition is a
	// definitive answer and the lifecycle coordinator owns the retry.
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return interfaces.ErrJobExists
		}
		return fmt.Errorf("failed to create job record %s: %w", record.JobID, err)
	}

	s.logger.Debug().Str("job_id", record.JobID).Msg("Job record created")
	return nil
}

// Get fetches a record with a strongly consistent read.
func (s *JobStore) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	var out *dynamodb.GetItemOutput
	err := common.RetryOnce(ctx, func() error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key: map[string]ddbtypes.AttributeValue{
				"job_id": &ddbtypes.AttributeValueMemberS{Value: jobID},
			},
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job record %s: %w", jobID, err)
	}
	if len(out.Item) == 0 {
		return nil, interfaces.ErrJobNotFound
	}

	return unmarshalRecord(out.Item)
}

// Update writes the record conditional on the stored version still being
// expectedVersion.
func (s *JobStore) Update(ctx context.Context, record *models.JobRecord, expectedVersion int64) error {
	item, err := marshalRecord(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record %s: %w", record.JobID, err)
	}

	// "version" is a DynamoDB reserved word, hence the #v alias.
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(job_id) AND #v = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#v": "version",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":expected": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return interfaces.ErrVersionMismatch
		}
		return fmt.Errorf("failed to update job record %s: %w", record.JobID, err)
	}

	return nil
}

// ListByStatus returns all records currently in the given status. A filtered
// scan is enough here: only the timeout sweeper and startup restore call it,
// and both operate on the small non-terminal population.
func (s *JobStore) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.JobRecord, error) {
	var records []*models.JobRecord
	var startKey map[string]ddbtypes.AttributeValue

	for {
		input := &dynamodb.ScanInput{
			TableName:        aws.String(s.table),
			FilterExpression: aws.String("#s = :status"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":status": &ddbtypes.AttributeValueMemberS{Value: string(status)},
			},
			ExclusiveStartKey: startKey,
		}

		var out *dynamodb.ScanOutput
		err := common.RetryOnce(ctx, func() error {
			var err error
			out, err = s.client.Scan(ctx, input)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan job records by status %s: %w", status, err)
		}

		for _, item := range out.Items {
			record, err := unmarshalRecord(item)
			if err != nil {
				return nil, err
			}
			records = append(records, record)
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	return records, nil
}

// Close is a no-op; the DynamoDB client holds no local resources.
func (s *JobStore) Close() error {
	return nil
}
