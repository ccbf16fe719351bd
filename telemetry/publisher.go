// Package telemetry publishes accepted-scan events to an MQTT broker so
// warehouse dashboards can follow scanning activity live. Publishing is fire
// and forget: a slow or absent broker never backpressures the scan path.
package telemetry

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ScanEvent is the published payload, one per accepted scan.
type ScanEvent struct {
	SessionID string `json:"sessionId"`
	Identity  string `json:"identity"`
	Tag       string `json:"tag"`
	Found     bool   `json:"found"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher is a publish-only MQTT client. Events are queued on a buffered
// channel and drained by a single goroutine; when the queue is full the event
// is dropped.
type Publisher struct {
	broker string
	port   int
	topic  string
	client mqtt.Client

	events   chan ScanEvent
	shutdown chan struct{}
	now      func() time.Time
}

// NewPublisher creates a publisher for the given broker and topic.
func NewPublisher(broker string, port int, topic string) *Publisher {
	return &Publisher{
		broker:   broker,
		port:     port,
		topic:    topic,
		events:   make(chan ScanEvent, 1000),
		shutdown: make(chan struct{}),
		now:      time.Now,
	}
}

// Connect establishes the broker connection and starts the drain loop.
func (p *Publisher) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", p.broker, p.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("tagstream-%d", time.Now().Unix()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("Telemetry: connection lost: %v, reconnecting", err)
	})

	p.client = mqtt.NewClient(opts)
	log.Printf("Telemetry: connecting to MQTT broker at %s", brokerURL)
	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("telemetry: connect to %s: %w", brokerURL, token.Error())
	}

	go p.drain()
	return nil
}

// PublishScan implements the server's scan publisher hook. It never blocks.
func (p *Publisher) PublishScan(sessionID, identity, tag string, found bool) {
	if p == nil {
		return
	}
	event := ScanEvent{
		SessionID: sessionID,
		Identity:  identity,
		Tag:       tag,
		Found:     found,
		Timestamp: p.now().UnixMilli(),
	}
	select {
	case p.events <- event:
	default:
		log.Println("Telemetry: event queue full, dropping scan event")
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case event := <-p.events:
			payload, err := json.Marshal(event)
			if err != nil {
				log.Printf("Telemetry: marshal event: %v", err)
				continue
			}
			// QoS 0: dashboards tolerate loss, the pipeline does not
			// tolerate waiting.
			p.client.Publish(p.topic, 0, false, payload)
		case <-p.shutdown:
			return
		}
	}
}

// IsConnected reports whether the broker connection is up.
func (p *Publisher) IsConnected() bool {
	return p != nil && p.client != nil && p.client.IsConnected()
}

// Stop drains nothing further and disconnects from the broker.
func (p *Publisher) Stop() {
	if p == nil {
		return
	}
	close(p.shutdown)
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
