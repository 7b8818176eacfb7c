package aws

import (
	"context"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// ClientOptions selects the account endpoint and the SDK retry budget.
// Zero values fall back to the environment (see LoadAWSConfig) and to the
// SDK's own retry default.
type ClientOptions struct {
	Region      string
	Endpoint    string
	MaxAttempts int
}

// Clients holds the service clients the api and worker binaries share.
type Clients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

func NewClients(ctx context.Context, opts ClientOptions) (*Clients, error) {
	cfg, err := LoadAWSConfig(ctx, opts.Region, opts.Endpoint)
	if err != nil {
		return nil, err
	}
	return FromConfig(cfg, opts.MaxAttempts), nil
}

// FromConfig builds the clients from a resolved config. A positive
// maxAttempts caps SDK retries on every client; order writes run inside
// their own optimistic retry loop, so a long SDK backoff only adds latency.
func FromConfig(cfg sdkaws.Config, maxAttempts int) *Clients {
	return &Clients{
		DynamoDB: dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if maxAttempts > 0 {
				o.RetryMaxAttempts = maxAttempts
			}
		}),
		SQS: sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			if maxAttempts > 0 {
				o.RetryMaxAttempts = maxAttempts
			}
		}),
		CloudWatch: cloudwatch.NewFromConfig(cfg, func(o *cloudwatch.Options) {
			if maxAttempts > 0 {
				o.RetryMaxAttempts = maxAttempts
			}
		}),
	}
}
