// Package ssmparams provides the parameter-store gateway backed by AWS SSM.
package ssmparams

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
)

// Store fetches deployment parameters (bucket name, table name, backend
// catalog document) from SSM Parameter Store.
type Store struct {
	client *ssm.Client
	logger *common.Logger
}

// NewStore creates a parameter store gateway.
func NewStore(client *ssm.Client, logger *common.Logger) *Store {
	return &Store{client: client, logger: logger}
}

var _ interfaces.ParameterStore = (*Store)(nil)

// GetParameter fetches a decrypted parameter value by name.
func (s *Store) GetParameter(ctx context.Context, name string) (string, error) {
	var out *ssm.GetParameterOutput
	err := common.RetryOnce(ctx, func() error {
		var err error
		out, err = s.client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("parameter %s not found: %w", name, err)
		}
		return "", fmt.Errorf("failed to fetch parameter %s: %w", name, err)
	}

	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}

	s.logger.Debug().Str("name", name).Msg("Parameter fetched")
	return aws.ToString(out.Parameter.Value), nil
}
