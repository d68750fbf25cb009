// Package sqs implements queue.Client on Amazon SQS, or any SQS-compatible
// endpoint such as LocalStack.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"wipsie-worker/internal/config"
	"wipsie-worker/internal/queue"
)

// API is the subset of the SQS service client used by Client.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// SQS limit on ChangeMessageVisibility.
const maxVisibility = 12 * time.Hour

// Client talks to SQS for the configured queues only.
type Client struct {
	api    API
	logger *slog.Logger
	now    func() time.Time

	queues map[string]config.QueueConfig
	closed atomic.Bool

	mu   sync.RWMutex
	urls map[string]string
}

// New builds an SQS client from the broker settings. Static credentials are
// used when both keys are set; otherwise the default AWS chain applies.
func New(ctx context.Context, broker *config.BrokerConfig, queues []config.QueueConfig, logger *slog.Logger) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if broker.Region != "" {
		opts = append(opts, awsconfig.WithRegion(broker.Region))
	}
	if broker.AccessKeyID != "" && broker.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(broker.AccessKeyID, broker.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	api := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if broker.Endpoint != "" {
			o.BaseEndpoint = aws.String(broker.Endpoint)
		}
	})

	return NewWithAPI(api, queues, logger), nil
}

// NewWithAPI wraps an existing SQS API implementation.
func NewWithAPI(api API, queues []config.QueueConfig, logger *slog.Logger) *Client {
	c := &Client{
		api:    api,
		logger: logger,
		now:    time.Now,
		queues: make(map[string]config.QueueConfig, len(queues)),
		urls:   make(map[string]string),
	}
	for _, q := range queues {
		c.queues[q.Name] = q
		if q.URL != "" {
			c.urls[q.Name] = q.URL
		}
	}
	return c
}

// queueURL returns the URL for a configured queue, resolving and caching it
// with GetQueueUrl on first use.
func (c *Client) queueURL(ctx context.Context, name string) (string, error) {
	if c.closed.Load() {
		return "", queue.ErrBrokerUnavailable
	}
	if _, ok := c.queues[name]; !ok {
		return "", fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
	}

	c.mu.RLock()
	url, ok := c.urls[name]
	c.mu.RUnlock()
	if ok {
		return url, nil
	}

	out, err := c.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", mapError(ctx, "get_queue_url", err)
	}
	url = aws.ToString(out.QueueUrl)

	c.mu.Lock()
	c.urls[name] = url
	c.mu.Unlock()

	c.logger.Debug("resolved queue url", "queue", name, "url", url)
	return url, nil
}

// Send enqueues body on the named queue.
func (c *Client) Send(ctx context.Context, queueName string, body any, attrs map[string]string) (string, error) {
	data, err := queue.MarshalBody(body)
	if err != nil {
		return "", err
	}
	url, err := c.queueURL(ctx, queueName)
	if err != nil {
		return "", err
	}

	msgAttrs := make(map[string]types.MessageAttributeValue, len(attrs)+2)
	for k, v := range attrs {
		msgAttrs[k] = stringAttr(v)
	}
	msgAttrs[queue.AttrEnqueuedAt] = stringAttr(c.now().UTC().Format(time.RFC3339Nano))
	msgAttrs[queue.AttrQueue] = stringAttr(queueName)

	out, err := c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(data)),
		MessageAttributes: msgAttrs,
	})
	if err != nil {
		return "", mapError(ctx, "send", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive long-polls the queue. wait is rounded down to whole seconds.
func (c *Client) Receive(ctx context.Context, queueName string, max int, wait time.Duration) ([]*queue.Message, error) {
	url, err := c.queueURL(ctx, queueName)
	if err != nil {
		return nil, err
	}
	qc := c.queues[queueName]

	in := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   int32(queue.ClampBatch(max)),
		WaitTimeSeconds:       int32(queue.ClampWait(wait) / time.Second),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	}
	if qc.VisibilityTimeout > 0 {
		in.VisibilityTimeout = seconds(qc.VisibilityTimeout)
	}

	out, err := c.api.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, mapError(ctx, "receive", err)
	}

	now := c.now()
	msgs := make([]*queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, c.toMessage(queueName, m, now, qc.VisibilityTimeout))
	}
	return msgs, nil
}

func (c *Client) toMessage(queueName string, m types.Message, now time.Time, visibility time.Duration) *queue.Message {
	attrs := make(map[string]string, len(m.MessageAttributes))
	for k, v := range m.MessageAttributes {
		attrs[k] = aws.ToString(v.StringValue)
	}

	msg := &queue.Message{
		ID:         aws.ToString(m.MessageId),
		Queue:      queueName,
		Body:       []byte(aws.ToString(m.Body)),
		Attributes: attrs,
		LeaseToken: aws.ToString(m.ReceiptHandle),
		VisibleAt:  now.Add(visibility),
	}

	if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		msg.DeliveryCount = n
	}
	if ms, err := strconv.ParseInt(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		msg.EnqueuedAt = time.UnixMilli(ms).UTC()
	} else if t, err := time.Parse(time.RFC3339Nano, attrs[queue.AttrEnqueuedAt]); err == nil {
		msg.EnqueuedAt = t
	}
	return msg
}

// Delete removes a leased message.
func (c *Client) Delete(ctx context.Context, queueName, leaseToken string) error {
	url, err := c.queueURL(ctx, queueName)
	if err != nil {
		return err
	}

	_, err = c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(leaseToken),
	})
	if err != nil {
		return mapError(ctx, "delete", err)
	}
	return nil
}

// ExtendLease changes the message visibility to d from now, rounded up to
// whole seconds and capped at twelve hours.
func (c *Client) ExtendLease(ctx context.Context, queueName, leaseToken string, d time.Duration) error {
	url, err := c.queueURL(ctx, queueName)
	if err != nil {
		return err
	}
	if d > maxVisibility {
		d = maxVisibility
	}

	_, err = c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(leaseToken),
		VisibilityTimeout: seconds(d),
	})
	if err != nil {
		return mapError(ctx, "extend_lease", err)
	}
	return nil
}

type redrivePolicy struct {
	DeadLetterTargetArn string          `json:"deadLetterTargetArn"`
	MaxReceiveCount     json.RawMessage `json:"maxReceiveCount"`
}

// DescribeQueue reads the queue's attributes from SQS.
func (c *Client) DescribeQueue(ctx context.Context, queueName string) (*queue.QueueInfo, error) {
	url, err := c.queueURL(ctx, queueName)
	if err != nil {
		return nil, err
	}

	out, err := c.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameAll},
	})
	if err != nil {
		return nil, mapError(ctx, "describe_queue", err)
	}

	attrs := out.Attributes
	info := &queue.QueueInfo{
		Name:              queueName,
		URL:               url,
		VisibilityTimeout: secondsAttr(attrs, types.QueueAttributeNameVisibilityTimeout),
		RetentionPeriod:   secondsAttr(attrs, types.QueueAttributeNameMessageRetentionPeriod),
		MessagesAvailable: intAttr(attrs, types.QueueAttributeNameApproximateNumberOfMessages),
		MessagesInFlight:  intAttr(attrs, types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
	}

	if raw := attrs[string(types.QueueAttributeNameRedrivePolicy)]; raw != "" {
		var rp redrivePolicy
		if err := json.Unmarshal([]byte(raw), &rp); err != nil {
			c.logger.Warn("unparseable redrive policy", "queue", queueName, "error", err)
		} else {
			info.HasDeadLetterQueue = rp.DeadLetterTargetArn != ""
			info.DeadLetterQueue = arnName(rp.DeadLetterTargetArn)
			n, _ := strconv.Atoi(strings.Trim(string(rp.MaxReceiveCount), `"`))
			info.MaxReceiveCount = n
		}
	}
	return info, nil
}

// ListQueues returns the configured queue names in sorted order.
func (c *Client) ListQueues(_ context.Context) []string {
	names := make([]string, 0, len(c.queues))
	for name := range c.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close marks the client closed. The SDK client holds no resources to free.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

// mapError converts SQS errors to queue errors. Context errors are returned
// as-is so callers can tell shutdown from broker failure.
func mapError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var notExist *types.QueueDoesNotExist
	if errors.As(err, &notExist) {
		return fmt.Errorf("%w: %v", queue.ErrUnknownQueue, err)
	}
	var badHandle *types.ReceiptHandleIsInvalid
	if errors.As(err, &badHandle) {
		return fmt.Errorf("%w: %v", queue.ErrLeaseExpired, err)
	}
	var notInflight *types.MessageNotInflight
	if errors.As(err, &notInflight) {
		return fmt.Errorf("%w: %v", queue.ErrLeaseExpired, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "QueueDoesNotExist", "AWS.SimpleQueueService.NonExistentQueue":
			return fmt.Errorf("%w: %v", queue.ErrUnknownQueue, err)
		case "ReceiptHandleIsInvalid", "MessageNotInflight", "AWS.SimpleQueueService.MessageNotInflight":
			return fmt.Errorf("%w: %v", queue.ErrLeaseExpired, err)
		case "InvalidParameterValue":
			if strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "receipt handle") {
				return fmt.Errorf("%w: %v", queue.ErrLeaseExpired, err)
			}
		}
	}

	return fmt.Errorf("%w: %s: %v", queue.ErrBrokerUnavailable, op, err)
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

// seconds rounds d up to whole seconds.
func seconds(d time.Duration) int32 {
	return int32((d + time.Second - 1) / time.Second)
}

func intAttr(attrs map[string]string, name types.QueueAttributeName) int {
	n, _ := strconv.Atoi(attrs[string(name)])
	return n
}

func secondsAttr(attrs map[string]string, name types.QueueAttributeName) time.Duration {
	return time.Duration(intAttr(attrs, name)) * time.Second
}

// arnName returns the resource name at the end of an SQS ARN.
func arnName(arn string) string {
	if i := strings.LastIndex(arn, ":"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}
