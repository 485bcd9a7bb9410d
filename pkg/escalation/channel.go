package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/google/uuid"

	"github.com/solace-health/vigil/pkg/httputil"
)

// Delivery is what a channel transmits: the request reference and a short
// summary, nothing more.
type Delivery struct {
	RequestID  string  `json:"request_id"`
	InstanceID string  `json:"instance_id"`
	Urgency    Urgency `json:"urgency"`
	Summary    string  `json:"summary"`
	Target     string  `json:"-"` // responder address for this channel
}

// Channel delivers an escalation to one responder endpoint. Send returns
// a correlation id usable for acknowledgement callbacks.
type Channel interface {
	Name() string
	Send(ctx context.Context, d Delivery) (correlationID string, err error)
}

// === Email (SES) ===

// EmailChannel delivers over AWS SES.
type EmailChannel struct {
	client    *sesv2.Client
	fromEmail string
	fromName  string
}

func NewEmailChannel(client *sesv2.Client, fromEmail, fromName string) *EmailChannel {
	if fromName == "" {
		fromName = "Vigil Escalations"
	}
	return &EmailChannel{client: client, fromEmail: fromEmail, fromName: fromName}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, d Delivery) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("escalation: SES client not configured")
	}

	subject := fmt.Sprintf("[%s] escalation %s", d.Urgency, d.RequestID)
	body := fmt.Sprintf("Escalation %s (urgency %s)\nInstance: %s\n\n%s\n",
		d.RequestID, d.Urgency, d.InstanceID, d.Summary)

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", c.fromName, c.fromEmail)),
		Destination: &types.Destination{
			ToAddresses: []string{d.Target},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	output, err := c.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("escalation: SES send failed: %w", err)
	}
	return aws.ToString(output.MessageId), nil
}

// === SMS ===

// SMSSendFunc transmits one SMS and returns the provider message id.
type SMSSendFunc func(ctx context.Context, to, body string) (string, error)

// SMSChannel delivers over an injected SMS provider function, so the
// provider SDK stays out of this package and tests inject a fake.
type SMSChannel struct {
	send SMSSendFunc
}

func NewSMSChannel(send SMSSendFunc) *SMSChannel {
	return &SMSChannel{send: send}
}

func (c *SMSChannel) Name() string { return "sms" }

func (c *SMSChannel) Send(ctx context.Context, d Delivery) (string, error) {
	if c.send == nil {
		return "", fmt.Errorf("escalation: SMS provider not configured")
	}
	body := fmt.Sprintf("[%s] escalation %s, instance %s: %s",
		d.Urgency, d.RequestID, d.InstanceID, d.Summary)
	id, err := c.send(ctx, d.Target, body)
	if err != nil {
		return "", fmt.Errorf("escalation: SMS send failed: %w", err)
	}
	return id, nil
}

// === Webhook ===

// WebhookChannel POSTs the delivery as JSON to the responder's endpoint.
// Transient endpoint failures retry inside the channel's time budget; a
// non-2xx terminal response is a failed delivery.
type WebhookChannel struct {
	client *httputil.Client
}

func NewWebhookChannel() *WebhookChannel {
	return &WebhookChannel{client: httputil.NewClient(httputil.RetryPolicy{})}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, d Delivery) (string, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("escalation: marshal webhook payload: %w", err)
	}
	headers, err := c.client.PostJSON(ctx, d.Target, payload)
	if err != nil {
		return "", fmt.Errorf("escalation: webhook delivery failed: %w", err)
	}
	corrID := headers.Get("X-Correlation-ID")
	if corrID == "" {
		corrID = uuid.NewString()
	}
	return corrID, nil
}

// === Recording stub ===

// RecordingChannel captures deliveries for tests. FailFirst makes the
// first N sends fail to exercise fallback and re-raise paths.
type RecordingChannel struct {
	ChannelName string
	FailFirst   int

	mu         sync.Mutex
	deliveries []Delivery
	sends      int
}

func (c *RecordingChannel) Name() string {
	if c.ChannelName == "" {
		return "recording"
	}
	return c.ChannelName
}

func (c *RecordingChannel) Send(ctx context.Context, d Delivery) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if c.sends <= c.FailFirst {
		return "", fmt.Errorf("recording channel: simulated failure %d", c.sends)
	}
	c.deliveries = append(c.deliveries, d)
	return fmt.Sprintf("rec-%d", c.sends), nil
}

// Deliveries returns successful deliveries in order.
func (c *RecordingChannel) Deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Delivery, len(c.deliveries))
	copy(out, c.deliveries)
	return out
}

// Sends returns the total attempts, including failures.
func (c *RecordingChannel) Sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

var (
	_ Channel = (*EmailChannel)(nil)
	_ Channel = (*SMSChannel)(nil)
	_ Channel = (*WebhookChannel)(nil)
	_ Channel = (*RecordingChannel)(nil)
)
