// Package mqttingest bridges readings published on an MQTT topic into the
// same ingestion pipeline the HTTP endpoint uses. The bridge is optional:
// it only runs when a broker URL is configured.
package mqttingest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/ingest"
)

type Client struct {
	client mqtt.Client
}

// connectTimeout bounds the initial broker handshake; overridable in tests.
var connectTimeout = 15 * time.Second

func Connect(brokerURL, clientID string) (*Client, error) {
	opts := mqtt.NewClientOptions()
	url := strings.TrimSpace(brokerURL)
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	opts.AddBroker(url)
	if strings.TrimSpace(clientID) == "" {
		clientID = "iot-api-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// If a TLS broker is used in the future, tighten this.
	opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected")
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(connectTimeout); !ok {
		c.Disconnect(0)
		// With connect retry enabled the token stays incomplete and
		// carries no error, so synthesize one.
		if err := tok.Error(); err != nil {
			return nil, err
		}
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

// Subscribe feeds every reading published under topic into the pipeline.
// Malformed payloads and rejected readings are logged and dropped; MQTT
// offers no response channel to report them on.
func (c *Client) Subscribe(ctx context.Context, topic string, p *ingest.Pipeline) error {
	tok := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var r ingest.Reading
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			slog.Warn("mqtt reading parse failed", "topic", msg.Topic(), "error", err)
			return
		}
		if _, err := p.Ingest(ctx, r, "mqtt:"+msg.Topic(), time.Now()); err != nil {
			slog.Warn("mqtt reading rejected", "topic", msg.Topic(), "error", err.Message)
		}
	})
	tok.Wait()
	return tok.Error()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
