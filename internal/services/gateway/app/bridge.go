package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

const bridgeChannel = "courier:gateway:events"

// RedisBridge forwards outbound frames between gateway instances through a
// Redis pub/sub channel, so events reach connections accepted by another
// process.
type RedisBridge struct {
	client     *goredis.Client
	instanceID string
}

type bridgeEnvelope struct {
	Origin        string   `json:"origin"`
	ConnectionIDs []string `json:"connection_ids"`
	Frame         wsFrame  `json:"frame"`
}

// NewRedisBridge creates a bridge identified by instanceID. Every gateway
// process needs a distinct instance id so it can skip its own messages.
func NewRedisBridge(client *goredis.Client, instanceID string) (*RedisBridge, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, errors.New("instance id is required")
	}
	return &RedisBridge{client: client, instanceID: instanceID}, nil
}

func (b *RedisBridge) publish(ctx context.Context, connectionIDs []string, frame wsFrame) error {
	payload, err := json.Marshal(bridgeEnvelope{
		Origin:        b.instanceID,
		ConnectionIDs: connectionIDs,
		Frame:         frame,
	})
	if err != nil {
		return fmt.Errorf("marshal bridge envelope: %w", err)
	}
	if err := b.client.Publish(ctx, bridgeChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish bridge envelope: %w", err)
	}
	return nil
}

// Run subscribes to the bridge channel and delivers forwarded frames to the
// hub's local connections until the context ends.
func (b *RedisBridge) Run(ctx context.Context, hub *Hub) error {
	if b == nil || hub == nil {
		return errors.New("bridge and hub are required")
	}

	sub := b.client.Subscribe(ctx, bridgeChannel)
	defer func() {
		_ = sub.Close()
	}()

	channel := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-channel:
			if !ok {
				return errors.New("bridge subscription closed")
			}
			var envelope bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				log.Printf("gateway: decode bridge envelope: %v", err)
				continue
			}
			if envelope.Origin == b.instanceID {
				continue
			}
			hub.deliverLocal(envelope.ConnectionIDs, envelope.Frame)
		}
	}
}
