package mq

import (
	"log"

	"havenledger/internal/config"

	"github.com/IBM/sarama"
)

// Publisher 账本事件发布接口，OutboxSender 只依赖它
type Publisher interface {
	Publish(topic, key, value string) error
	Close() error
}

// Producer 基于 sarama 同步生产者的 Publisher 实现
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer 包装一个已创建的同步生产者（测试中传入 mocks.SyncProducer）
func NewProducer(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// NewKafkaConfig 生产者配置：等待所有副本确认，保证事件不丢
func NewKafkaConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息
	return kafkaConfig
}

// InitKafka 初始化 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig) *Producer {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewKafkaConfig())
	if err != nil {
		log.Fatalf("创建 Kafka 生产者失败: %v", err)
	}

	log.Println("Kafka 生产者创建成功")
	return NewProducer(producer)
}

// Publish 发送消息到 Kafka，key 相同的事件落在同一分区，保证同一账户的事件有序
func (p *Producer) Publish(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

// Close 关闭 Kafka 生产者
func (p *Producer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
