package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/rendis/lifecycle/pkg/schema"
)

// SQS caps message delays at 15 minutes.
const maxSQSDelay = 15 * time.Minute

// SQSAPI is the part of the SQS client the enqueuer uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSEnqueuer publishes job envelopes to an SQS queue for consumers outside this process.
type SQSEnqueuer struct {
	client   SQSAPI
	queueURL string
}

// NewSQSEnqueuer creates an enqueuer from the default AWS configuration chain.
func NewSQSEnqueuer(ctx context.Context, queueURL, region string) (*SQSEnqueuer, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewSQSEnqueuerWithAPI(sqs.NewFromConfig(cfg), queueURL), nil
}

// NewSQSEnqueuerWithAPI allows injecting a custom SQSAPI.
func NewSQSEnqueuerWithAPI(client SQSAPI, queueURL string) *SQSEnqueuer {
	return &SQSEnqueuer{client: client, queueURL: queueURL}
}

func (q *SQSEnqueuer) Enqueue(ctx context.Context, job *schema.JobEnvelope, delay time.Duration) error {
	if err := prepare(job, time.Now()); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode job").WithCause(err)
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"job_type": {DataType: aws.String("String"), StringValue: aws.String(job.Type)},
			"job_id":   {DataType: aws.String("String"), StringValue: aws.String(job.ID)},
		},
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePublish, "send job %s to sqs: %s", job.ID, err.Error()).WithCause(err)
	}
	return nil
}
