package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	pubnubgo "github.com/pubnub/go/v7"
)

// Publisher mirrors snapshots to an external fan-out channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

var _ Publisher = (*pubnubPublisher)(nil)

type PubNubConfig struct {
	PublishKey, SubscribeKey, SecretKey, UserID string
}

func NewPubNubPublisher(cfg PubNubConfig) (Publisher, error) {
	if cfg.PublishKey == "" || cfg.SubscribeKey == "" {
		return nil, fmt.Errorf("[NewPubNubPublisher] publish and subscribe keys must be set")
	}

	pnCfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(cfg.UserID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.SecretKey = cfg.SecretKey

	return &pubnubPublisher{pn: pubnubgo.NewPubNub(pnCfg)}, nil
}

type pubnubPublisher struct {
	pn *pubnubgo.PubNub
}

func (p *pubnubPublisher) Publish(ctx context.Context, channel string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	_, _, err = p.pn.PublishWithContext(ctx).Channel(channel).Message(string(payload)).Execute()
	if err != nil {
		return fmt.Errorf("pubnub publish to %s: %w", channel, err)
	}
	return nil
}

// ChannelName is the PubNub channel of a business queue day.
func ChannelName(businessID, date string) string {
	return fmt.Sprintf("queue-%s-%s", businessID, date)
}
