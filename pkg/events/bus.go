// Package events carries synchronizer and pipeline callbacks over an
// in-process watermill bus so several consumers (logging, metrics, a view)
// can observe them without knowing about each other.
package events

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Handler receives decoded envelopes. Errors are logged; the message is
// never redelivered.
type Handler func(env Envelope) error

type Bus struct {
	Publisher message.Publisher

	router  *message.Router
	pubsub  *gochannel.GoChannel
	runOnce sync.Once
}

func NewInMemoryBus() (*Bus, error) {
	logger := watermill.NopLogger{}
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)

	r, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}
	return &Bus{Publisher: pubsub, router: r, pubsub: pubsub}, nil
}

// Subscribe registers h for topic. It must be called before Run.
func (b *Bus) Subscribe(name, topic string, h Handler) {
	b.router.AddConsumerHandler(name, topic, b.pubsub, func(msg *message.Message) error {
		env, err := Decode(msg)
		if err != nil {
			log.Warn().Err(err).Str("handler", name).Str("topic", topic).Msg("dropping undecodable event")
			return nil
		}
		if err := h(env); err != nil {
			log.Warn().Err(err).Str("handler", name).Str("type", env.Type).Msg("event handler failed")
		}
		return nil
	})
}

// Running is closed once every handler is subscribed. Messages published
// before that are dropped.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

// Run blocks until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	err := errors.New("bus already started")
	b.runOnce.Do(func() {
		go func() {
			<-ctx.Done()
			_ = b.router.Close()
		}()
		err = b.router.Run(ctx)
	})
	return err
}
