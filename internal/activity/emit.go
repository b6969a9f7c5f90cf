package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/gyre-io/gyre/internal/domain"
)

// Emit publishes a CloudEvent assembled from the evaluated event attributes
// and returns its id. Attribute names follow the CloudEvents context
// attributes; everything else becomes an extension.
func (v *Invoker) Emit(ctx context.Context, attrs map[string]any) (any, error) {
	event, err := buildEvent(attrs, v.cfg.EmitSource)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, configError("encode event %s: %v", event.ID(), err)
	}
	if err := v.broker.Publish(ctx, v.cfg.EmitTopic, payload); err != nil {
		return nil, fmt.Errorf("publish event to %s: %w", v.cfg.EmitTopic, err)
	}
	return event.ID(), nil
}

func buildEvent(attrs map[string]any, defaultSource string) (*cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(domain.NewID())
	event.SetSource(defaultSource)
	event.SetTime(time.Now().UTC())

	var data any
	hasData := false
	for name, val := range attrs {
		switch name {
		case "id":
			event.SetID(stringAttr(val))
		case "source":
			event.SetSource(stringAttr(val))
		case "type":
			event.SetType(stringAttr(val))
		case "subject":
			event.SetSubject(stringAttr(val))
		case "dataschema":
			event.SetDataSchema(stringAttr(val))
		case "datacontenttype":
			event.SetDataContentType(stringAttr(val))
		case "time":
			ts, err := time.Parse(time.RFC3339, stringAttr(val))
			if err != nil {
				return nil, configError("event time %q is not RFC 3339", stringAttr(val))
			}
			event.SetTime(ts)
		case "data":
			data = val
			hasData = true
		default:
			if err := event.Context.SetExtension(name, val); err != nil {
				return nil, configError("event extension %q: %v", name, err)
			}
		}
	}
	if hasData {
		contentType := event.DataContentType()
		if contentType == "" {
			contentType = cloudevents.ApplicationJSON
		}
		if err := event.SetData(contentType, data); err != nil {
			return nil, configError("set event data: %v", err)
		}
	}
	if err := event.Validate(); err != nil {
		return nil, configError("invalid event: %v", err)
	}
	return &event, nil
}

func stringAttr(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
