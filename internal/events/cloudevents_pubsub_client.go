package events

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/protocol"
)

// PubSubCloudEventsClient wraps PubSubSender to implement cloudevents.Client interface.
type PubSubCloudEventsClient struct {
	sender *PubSubSender
}

// NewPubSubCloudEventsClient creates a CloudEvents client that sends events to Pub/Sub.
func NewPubSubCloudEventsClient(sender *PubSubSender) cloudevents.Client {
	return &PubSubCloudEventsClient{sender: sender}
}

// Send transmits a CloudEvent to Pub/Sub. A publish error is a NACK.
func (c *PubSubCloudEventsClient) Send(ctx context.Context, event cloudevents.Event) protocol.Result {
	if err := c.sender.Send(ctx, event); err != nil {
		return protocol.NewReceipt(false, "%w", err)
	}
	return protocol.ResultACK
}

// Request is not supported for Pub/Sub (fire-and-forget only).
func (c *PubSubCloudEventsClient) Request(ctx context.Context, event cloudevents.Event) (*cloudevents.Event, protocol.Result) {
	return nil, protocol.NewReceipt(false, "request/response not supported for Pub/Sub")
}

// StartReceiver is not supported for Pub/Sub sender (send-only client).
func (c *PubSubCloudEventsClient) StartReceiver(ctx context.Context, fn any) error {
	return fmt.Errorf("receiver not supported for Pub/Sub sender client")
}
