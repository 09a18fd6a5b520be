package broker

import (
	"fmt"

	"herald/internal/config"
	"herald/internal/constants"
	"herald/internal/logger"
)

// New builds the producer and consumer for cfg.Type. The in-memory broker
// serves as both so that published messages reach local consumers.
func New(cfg config.BrokerConfig, log logger.Logger) (Producer, Consumer, error) {
	switch cfg.Type {
	case constants.BrokerMemory:
		b := NewMemoryBroker(cfg, log)
		return b, b, nil
	case constants.BrokerKafka:
		return NewKafkaProducer(cfg.Kafka, log), NewKafkaConsumer(cfg, log), nil
	default:
		return nil, nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
