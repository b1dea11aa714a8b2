// Package redisnotify publishes appointment change events on a Redis pub/sub
// channel for downstream consumers (push gateways, cache invalidators).
package redisnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const Channel = "appointments.changed"

type event struct {
	UserIDs []string  `json:"user_ids"`
	At      time.Time `json:"at"`
}

type Notifier struct {
	client *redis.Client
}

func New(addr string) (*Notifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Notifier{client: client}, nil
}

func (n *Notifier) AppointmentsChanged(ctx context.Context, userIDs []string) error {
	payload, err := json.Marshal(event{UserIDs: userIDs, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, Channel, payload).Err()
}

func (n *Notifier) Close() error {
	return n.client.Close()
}

// Nop is the notifier used when no Redis address is configured.
type Nop struct{}

func (Nop) AppointmentsChanged(ctx context.Context, userIDs []string) error {
	return nil
}
