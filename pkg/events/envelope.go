package events

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// Envelope is the JSON body of every bus message. Topic is filled in by
// Publish so consumers subscribed to several topics can tell them apart.
type Envelope struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Publish(pub message.Publisher, topic, typ string, payload any) error {
	if typ == "" {
		return errors.New("empty event type")
	}
	env := Envelope{ID: watermill.NewUUID(), Topic: topic, Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrapf(err, "marshal %s payload", typ)
		}
		env.Payload = b
	}
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	if err := pub.Publish(topic, message.NewMessage(env.ID, body)); err != nil {
		return errors.Wrapf(err, "publish %s", typ)
	}
	return nil
}

func Decode(msg *message.Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal envelope")
	}
	if env.Type == "" {
		return Envelope{}, errors.Errorf("message %s has no event type", msg.UUID)
	}
	return env, nil
}
