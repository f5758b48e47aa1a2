// Package storage provides the top-level StorageManager that wires the
// scheduler's three gateways: the job record store, the object store, and
// the parameter store.
package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	badgerstore "github.com/bobmcallan/qflow/internal/storage/badger"
	"github.com/bobmcallan/qflow/internal/storage/dynamo"
	s3store "github.com/bobmcallan/qflow/internal/storage/s3"
	"github.com/bobmcallan/qflow/internal/storage/ssmparams"
)

// Manager implements interfaces.StorageManager. The record store backend is
// selected by config ("dynamo" in deployment, "badger" for local work); the
// object and parameter stores are always the AWS gateways.
type Manager struct {
	jobs    interfaces.JobStore
	objects interfaces.ObjectStore
	params  interfaces.ParameterStore
	logger  *common.Logger
}

// NewManager builds the storage gateways. It resolves the job bucket name
// (and, for the dynamo backend, the table name) from the parameter store, so
// it needs the parameter service reachable at startup.
func NewManager(ctx context.Context, logger *common.Logger, config *common.Config) (*Manager, error) {
	awsCfg, err := newAWSConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble AWS config: %w", err)
	}

	ssmClient := ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
		if config.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.AWS.Endpoint)
		}
	})
	params := ssmparams.NewStore(ssmClient, logger)

	bucket, err := params.GetParameter(ctx, config.AWS.JobBucketParam)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve job bucket name: %w", err)
	}

	// S3 may sit behind its own endpoint (LocalStack publishes one address
	// for everything, MinIO only speaks S3).
	s3Endpoint := config.AWS.S3Endpoint
	if s3Endpoint == "" {
		s3Endpoint = config.AWS.Endpoint
	}
	s3Client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if s3Endpoint != "" {
			o.BaseEndpoint = aws.String(s3Endpoint)
			o.UsePathStyle = true
		}
	})
	objects := s3store.NewObjectStore(
		s3Client,
		bucket,
		config.Lifecycle.GetUploadURLTTL(),
		config.Lifecycle.GetDownloadURLTTL(),
		logger,
	)

	jobs, err := newJobStore(ctx, logger, config, awsCfg, params)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("records", config.Storage.Backend).
		Str("bucket", bucket).
		Msg("Storage manager initialized")

	return &Manager{
		jobs:    jobs,
		objects: objects,
		params:  params,
		logger:  logger,
	}, nil
}

// newJobStore opens the configured record store backend.
func newJobStore(ctx context.Context, logger *common.Logger, config *common.Config, awsCfg aws.Config, params interfaces.ParameterStore) (interfaces.JobStore, error) {
	switch config.Storage.Backend {
	case "dynamo", "":
		table, err := params.GetParameter(ctx, config.AWS.JobTableParam)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve job table name: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if config.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(config.AWS.Endpoint)
			}
		})
		return dynamo.NewJobStore(client, table, logger), nil

	case "badger":
		store, err := badgerstore.NewStore(logger, config.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger record store: %w", err)
		}
		return badgerstore.NewJobStore(store, logger), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", config.Storage.Backend)
	}
}

// newAWSConfig assembles the shared AWS client configuration. Static
// credentials and custom endpoints are for development; in deployment both
// come from the runtime environment.
func newAWSConfig(ctx context.Context, config *common.Config) (aws.Config, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error

	if config.AWS.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(config.AWS.Region))
	}
	if config.AWS.AccessKey != "" && config.AWS.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AWS.AccessKey, config.AWS.SecretKey, ""),
		))
	}

	return awsconfig.LoadDefaultConfig(ctx, loadOpts...)
}

func (m *Manager) Jobs() interfaces.JobStore {
	return m.jobs
}

func (m *Manager) Objects() interfaces.ObjectStore {
	return m.objects
}

func (m *Manager) Params() interfaces.ParameterStore {
	return m.params
}

func (m *Manager) Close() error {
	return m.jobs.Close()
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
