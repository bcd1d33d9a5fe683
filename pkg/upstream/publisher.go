package upstream

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// Publisher pushes parsed generation events onto the per-conversation topic.
type Publisher struct {
	pub message.Publisher
}

func NewPublisher(pub message.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

func (p *Publisher) PublishEvent(ev Event) error {
	if p == nil || p.pub == nil {
		return errors.New("upstream: publisher is not initialized")
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "upstream: encode event")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	return p.pub.Publish(TopicForConversation(ev.ConvID), msg)
}
