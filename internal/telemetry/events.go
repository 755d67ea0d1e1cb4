package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/sawpanic/solrun/internal/exec"
)

// Event is one structured transition record published to the event stream.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	Key         string    `json:"key"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	At          time.Time `json:"at"`
}

// KafkaPublisher ships transition events to a Kafka topic. Publishing is
// asynchronous and lossy by design: telemetry failure must never block the
// state machine.
type KafkaPublisher struct {
	writer *kafka.Writer
	queue  chan Event
}

// NewKafkaPublisher creates a publisher for the given brokers and topic and
// starts its drain loop.
func NewKafkaPublisher(ctx context.Context, brokers []string, topic string) *KafkaPublisher {
	p := &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		queue: make(chan Event, 256),
	}
	go p.drain(ctx)
	return p
}

// ExecutionTransition satisfies the coordinator's sink contract. Drops the
// event when the queue is full.
func (p *KafkaPublisher) ExecutionTransition(execID, key string, from, to exec.State) {
	ev := Event{ExecutionID: execID, Key: key, From: from.String(), To: to.String(), At: time.Now()}
	select {
	case p.queue <- ev:
	default:
		log.Debug().Str("execution", execID).Msg("telemetry queue full, event dropped")
	}
}

func (p *KafkaPublisher) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if err := p.writer.Close(); err != nil {
				log.Debug().Err(err).Msg("kafka writer close failed")
			}
			return
		case ev := <-p.queue:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = p.writer.WriteMessages(wctx, kafka.Message{Key: []byte(ev.Key), Value: payload})
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("execution", ev.ExecutionID).
					Msg("telemetry publish failed, event dropped")
			}
		}
	}
}

// MultiSink fans one transition out to several sinks.
type MultiSink []exec.TransitionSink

func (m MultiSink) ExecutionTransition(execID, key string, from, to exec.State) {
	for _, s := range m {
		if s != nil {
			s.ExecutionTransition(execID, key, from, to)
		}
	}
}
