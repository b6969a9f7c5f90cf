package activity

import (
	"context"
	"encoding/json"
	"fmt"
)

// asyncAPIArgs is the evaluated with-block of a call: asyncapi task. The
// channel maps onto a broker topic; the document endpoint is accepted for
// DSL compatibility but the binding is the engine's own broker.
type asyncAPIArgs struct {
	Document asyncAPIDocument `json:"document"`
	Channel  string           `json:"channel"`
	Message  asyncAPIMessage  `json:"message"`
}

type asyncAPIDocument struct {
	Endpoint string `json:"endpoint"`
}

type asyncAPIMessage struct {
	Payload any `json:"payload"`
}

func (v *Invoker) callAsyncAPI(ctx context.Context, args map[string]any) (any, error) {
	var a asyncAPIArgs
	if err := decodeWith(args, &a); err != nil {
		return nil, err
	}
	topic := a.Channel
	if topic == "" {
		topic = v.cfg.EmitTopic
	}
	payload, err := json.Marshal(a.Message.Payload)
	if err != nil {
		return nil, configError("encode asyncapi payload: %v", err)
	}
	// A publish failure is engine infrastructure, not a data-plane fault:
	// surface it plain so the activation stays un-acked.
	if err := v.broker.Publish(ctx, topic, payload); err != nil {
		return nil, fmt.Errorf("publish to %s: %w", topic, err)
	}
	return map[string]any{"channel": topic}, nil
}
