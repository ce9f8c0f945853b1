package events

import (
	"encoding/json"
	"fmt"

	"oems/pkg/config"

	"github.com/nats-io/nats.go"
)

// NatsDispatcher publishes webhook events to JetStream so the out-of-scope
// delivery workers can fan them out to company endpoints at their own pace.
type NatsDispatcher struct {
	js nats.JetStreamContext
}

func NewNatsDispatcher() (d *NatsDispatcher, err error) {
	cfg := config.Shared.Nats.Main

	nc, err := nats.Connect(cfg.Url)
	if err != nil {
		return
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		return
	}

	stream := cfg.Stream
	if stream == "" {
		stream = "OEMS"
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{stream + ".*.*"},
	})
	if err != nil {
		return
	}

	d = &NatsDispatcher{js: js}
	return
}

func (d *NatsDispatcher) DispatchEvent(company int64, eventType string, payload map[string]interface{}) (err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	stream := config.Shared.Nats.Main.Stream
	if stream == "" {
		stream = "OEMS"
	}

	_, err = d.js.Publish(fmt.Sprintf("%s.%d.%s", stream, company, eventType), data)
	return
}
