package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// Client wraps the containerd client with its namespace and health checking.
type Client struct {
	inner     *containerd.Client
	namespace string

	mu     sync.RWMutex
	closed bool
}

// NewClient connects to containerd and verifies the connection.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %v", ErrRuntimeUnavailable, socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("%w: containerd health check failed: %v", ErrRuntimeUnavailable, err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{inner: inner, namespace: namespace}, nil
}

// WithNamespace returns a context scoped to the sandbox namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks if the containerd connection is alive.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.inner.Close()
}

// image returns a local image, pulling it on first use.
func (c *Client) image(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	if img, err := c.inner.GetImage(ctx, ref); err == nil {
		return img, nil
	}

	log.Info().Str("ref", ref).Msg("pulling sandbox image")
	img, err := c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return img, nil
}
