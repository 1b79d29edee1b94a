package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DeadLetterer takes ownership of a message the consumer gave up on.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, msg kafka.Message, cause error) error
}

type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NewAWSClients loads the default AWS configuration. BaseEndpoint is honoured
// so the same code runs against LocalStack.
func NewAWSClients(ctx context.Context) (*s3.Client, *sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load AWS SDK config: %w", err)
	}
	s3Client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
		UsePathStyle: true,
	})
	sqsClient := sqs.New(sqs.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
	})
	return s3Client, sqsClient, nil
}

// QueueURL resolves a queue name.
func QueueURL(ctx context.Context, client *sqs.Client, name string) (string, error) {
	resp, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("get SQS queue URL for %s: %w", name, err)
	}
	return aws.ToString(resp.QueueUrl), nil
}

// S3DeadLetter archives the raw message in S3 and then announces the object
// on an SQS queue for whoever replays or inspects failures.
type S3DeadLetter struct {
	s3       S3API
	sqs      SQSAPI
	bucket   string
	queueURL string
	now      func() time.Time
	logger   *zap.Logger
}

func NewS3DeadLetter(s3Client S3API, sqsClient SQSAPI, bucket, queueURL string, logger *zap.Logger) *S3DeadLetter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3DeadLetter{
		s3:       s3Client,
		sqs:      sqsClient,
		bucket:   bucket,
		queueURL: queueURL,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

type deadLetterNotice struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
	Error     string `json:"error"`
	FailedAt  string `json:"failedAt"`
}

func (d *S3DeadLetter) DeadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	now := d.now()
	key := fmt.Sprintf("deadletter/%s/%d-%d_%s.json", msg.Topic, msg.Partition, msg.Offset, now.Format("20060102_150405"))
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	_, err := d.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(msg.Value),
		ContentType: aws.String("application/json"),
		ACL:         types.ObjectCannedACLPrivate,
		Metadata:    map[string]string{"failure-reason": truncate(reason, 1024)},
	})
	if err != nil {
		return fmt.Errorf("upload dead letter to S3: %w", err)
	}

	notice, err := json.Marshal(deadLetterNotice{
		Bucket:    d.bucket,
		Key:       key,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Error:     reason,
		FailedAt:  now.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if _, err := d.sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(notice)),
	}); err != nil {
		return fmt.Errorf("send dead letter notice to SQS: %w", err)
	}
	d.logger.Warn("Message dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("s3_key", key),
		zap.String("reason", reason))
	return nil
}

// LogDeadLetter only logs. It is used when no bucket is configured.
type LogDeadLetter struct {
	Logger *zap.Logger
}

func (d LogDeadLetter) DeadLetter(_ context.Context, msg kafka.Message, cause error) error {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error("Dropping unprocessable message",
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.ByteString("value", msg.Value),
		zap.Error(cause))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
