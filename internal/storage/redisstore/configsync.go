package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
)

// DefaultChannel carries JSON RiskConfig updates.
const DefaultChannel = "deepaudit:config:update"

// ConfigTarget is what ConfigSync applies updates to.
type ConfigTarget interface {
	Get() riskconfig.RiskConfig
	Update(ctx context.Context, candidate riskconfig.RiskConfig) error
}

// ConfigSync subscribes to the update channel and applies each message
// through Update, so invalid messages are rejected. Partial messages are
// merged over the current snapshot.
type ConfigSync struct {
	client  redis.UniversalClient
	channel string
	target  ConfigTarget
	logger  *slog.Logger
}

// NewConfigSync returns a sync on DefaultChannel.
func NewConfigSync(client redis.UniversalClient, target ConfigTarget, logger *slog.Logger) *ConfigSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigSync{client: client, channel: DefaultChannel, target: target, logger: logger}
}

// Publish broadcasts cfg to every subscribed process.
func (c *ConfigSync) Publish(ctx context.Context, cfg riskconfig.RiskConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("redisstore: encode config: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("redisstore: publish config: %w", err)
	}
	return nil
}

// Run subscribes and applies messages until ctx is cancelled.
func (c *ConfigSync) Run(ctx context.Context) error {
	sub := c.client.Subscribe(ctx, c.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redisstore: subscribe %s: %w", c.channel, err)
	}
	c.logger.Info("config sync subscribed", "channel", c.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.Apply(ctx, []byte(msg.Payload)); err != nil {
				c.logger.Warn("config sync message rejected", "channel", c.channel, "err", err)
			}
		}
	}
}

// Apply merges payload over the current config and installs it.
func (c *ConfigSync) Apply(ctx context.Context, payload []byte) error {
	merged, err := riskconfig.MergeJSON(c.target.Get(), payload)
	if err != nil {
		return err
	}
	if err := c.target.Update(ctx, merged); err != nil {
		return err
	}
	c.logger.Info("config sync applied", "channel", c.channel)
	return nil
}
