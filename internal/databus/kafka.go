package databus

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"gopkg.in/Shopify/sarama.v1"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

type Event interface {
	Serialize() []byte
	Topic() string
	Key() string
}

// Publisher ships domain events. Publishing is best effort.
type Publisher interface {
	Publish(e Event) error
}

// DataBus publishes events to kafka under <prefix>.<event topic>.
type DataBus struct {
	prefix   string
	producer sarama.SyncProducer
}

// NewDataBus connects a sync producer to the comma separated brokers.
func NewDataBus(hosts, prefix string) (*DataBus, error) {
	conf := sarama.NewConfig()
	conf.Producer.Return.Successes = true
	conf.Producer.RequiredAcks = sarama.WaitForLocal
	p, err := sarama.NewSyncProducer(strings.Split(hosts, ","), conf)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	log.Info("Kafka producer initialized...")
	return NewDataBusWithProducer(p, prefix), nil
}

func NewDataBusWithProducer(p sarama.SyncProducer, prefix string) *DataBus {
	return &DataBus{prefix: prefix, producer: p}
}

func (db *DataBus) topic(e Event) string {
	if db.prefix == "" {
		return e.Topic()
	}
	return db.prefix + "." + e.Topic()
}

func (db *DataBus) PublishRaw(topic, key string, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(raw),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	if _, _, err := db.producer.SendMessage(msg); err != nil {
		return errors.WrapAndReport(err, "produce message")
	}
	return nil
}

func (db *DataBus) Publish(e Event) error {
	return db.PublishRaw(db.topic(e), e.Key(), e.Serialize())
}

func (db *DataBus) Stop() {
	if err := db.producer.Close(); err != nil {
		log.Warnf("close kafka producer: %v", err)
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

const (
	BindingBound   = "bound"
	BindingUnbound = "unbound"
	RoleGranted    = "granted"
	RoleRevoked    = "revoked"
)

// BindingEvent is published when a wallet binding is created or removed.
type BindingEvent struct {
	Type    string    `json:"type"`
	GuildID string    `json:"guild_id"`
	UserID  string    `json:"user_id"`
	Wallet  string    `json:"wallet,omitempty"`
	Vault   string    `json:"vault,omitempty"`
	At      time.Time `json:"at"`
}

func (e BindingEvent) Topic() string { return "binding" }

func (e BindingEvent) Key() string { return e.GuildID }

func (e BindingEvent) Serialize() []byte {
	return mustJSON(e)
}

// RoleEvent is published for every successful role grant or revoke.
type RoleEvent struct {
	Type     string    `json:"type"`
	GuildID  string    `json:"guild_id"`
	UserID   string    `json:"user_id"`
	RoleID   string    `json:"role_id"`
	RuleName string    `json:"rule_name"`
	Balance  string    `json:"balance,omitempty"`
	At       time.Time `json:"at"`
}

func (e RoleEvent) Topic() string { return "role" }

func (e RoleEvent) Key() string { return e.GuildID }

func (e RoleEvent) Serialize() []byte {
	return mustJSON(e)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error(errors.WithStack(err))
		return nil
	}
	return data
}
