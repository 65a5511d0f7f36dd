// Package mqttpub publishes accepted readings and actuator transitions to
// an MQTT broker.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/mikesmitty/htu21d"
	"github.com/mikesmitty/htu21d/control"
)

const publishTimeout = 2 * time.Second

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type Opts struct {
	Broker   string
	Topic    string
	ClientID string
	Logger   *slog.Logger
}

// Publisher is a control.Sink and control.StateObserver backed by MQTT.
type Publisher struct {
	c     client
	topic string
	log   *slog.Logger
}

type reading struct {
	htu21d.Measurement
	Setpoint control.Setpoint `json:"setpoint"`
}

type actuatorState struct {
	On           bool `json:"on"`
	Faulted      bool `json:"faulted"`
	ErrorCounter int  `json:"error_counter"`
}

// Dial connects to the broker. The connection is retried in the background
// by paho after the first success.
func Dial(opts Opts) (*Publisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqttpub: broker is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "humidistat-" + uuid.NewString()[:8]
	}
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	c := mqtt.NewClient(co)
	tok := c.Connect()
	if !tok.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqttpub: connect to %s timed out", opts.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqttpub: connect to %s: %w", opts.Broker, err)
	}
	return newPublisher(c, opts), nil
}

func newPublisher(c client, opts Opts) *Publisher {
	topic := opts.Topic
	if topic == "" {
		topic = "humidistat"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{c: c, topic: topic, log: log}
}

// Append publishes m to <topic>/reading.
func (p *Publisher) Append(ctx context.Context, m htu21d.Measurement, sp control.Setpoint) error {
	return p.publish(ctx, p.topic+"/reading", false, reading{Measurement: m, Setpoint: sp})
}

// ActuatorChanged publishes the retained actuator state to <topic>/actuator.
func (p *Publisher) ActuatorChanged(ctx context.Context, s control.State) error {
	return p.publish(ctx, p.topic+"/actuator", true, actuatorState{
		On:           s.ActuatorOn,
		Faulted:      s.Faulted,
		ErrorCounter: s.ErrorCounter,
	})
}

func (p *Publisher) publish(ctx context.Context, topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tok := p.c.Publish(topic, 0, retained, payload)
	t := time.NewTimer(publishTimeout)
	defer t.Stop()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqttpub: publish %s: %w", topic, err)
		}
		p.log.Debug("published", "topic", topic)
		return nil
	case <-t.C:
		return fmt.Errorf("mqttpub: publish %s timed out", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, allowing in-flight messages 250ms to complete.
func (p *Publisher) Close() error {
	p.c.Disconnect(250)
	return nil
}

var _ control.Sink = (*Publisher)(nil)
var _ control.StateObserver = (*Publisher)(nil)
