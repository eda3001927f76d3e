package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sandbox-broker/internal/directory"
	"sandbox-broker/internal/store"
)

var ErrChannelClosed = errors.New("channel subscription ended before the job was published")

// Client is the submitting side of the protocol: it binds to a host and
// drops jobs into the resulting channel.
type Client struct {
	store store.Store
	id    string
}

// NewClient creates a client; an empty id gets a random one.
func NewClient(st store.Store, id string) *Client {
	if id == "" {
		id = uuid.NewString()
	}
	return &Client{store: st, id: id}
}

func (c *Client) ID() string {
	return c.id
}

// Bind publishes a connection request for host and returns the channel the
// host will serve. Binding again is harmless.
func (c *Client) Bind(ctx context.Context, host string) (string, error) {
	req := directory.ConnectionRequest{
		ClientID:   c.id,
		TargetHost: host,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := c.store.Put(ctx, store.RequestPath(uuid.NewString()), req); err != nil {
		return "", fmt.Errorf("publishing connection request: %w", err)
	}
	return store.ChannelPath(host, c.id), nil
}

// Submit writes a new job into channel and returns its id.
func (c *Client) Submit(ctx context.Context, channel, code string) (string, error) {
	if code == "" {
		return "", errors.New("code is empty")
	}
	id := uuid.NewString()
	if err := c.store.Put(ctx, store.JobPath(channel, id), Job{Code: code}); err != nil {
		return "", fmt.Errorf("submitting job: %w", err)
	}
	return id, nil
}

// Await blocks until the job is published or ctx ends.
func (c *Client) Await(ctx context.Context, channel, jobID string) (Job, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := c.store.Watch(ctx, channel)
	if err != nil {
		return Job{}, err
	}
	for ev := range events {
		if ev.Key != jobID || ev.Retracted() {
			continue
		}
		job, err := DecodeJob(ev.Value)
		if err != nil || !job.Processed {
			continue
		}
		return job, nil
	}
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	return Job{}, ErrChannelClosed
}
