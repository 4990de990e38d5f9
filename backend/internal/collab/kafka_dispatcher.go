package collab

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// KafkaDispatcher 把定序后的版本异步投递到 Kafka。
// 每个 worker 一条有界队列，按 docId 分片，同一文档的事件始终由同一个 worker 按版本顺序发送。
// 发送失败按指数退避重试，超过次数后丢弃并记日志。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	shards []chan DocOpEvent
	wg     sync.WaitGroup
	once   sync.Once

	// 限制同时在途的 SendMessage
	sem *SemaphoreControl

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int // 所有分片队列的总容量
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	per := opt.QueueSize / opt.Workers
	if per < 1 {
		per = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		shards:      make([]chan DocOpEvent, opt.Workers),
		sem:         sem,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	for i := range d.shards {
		d.shards[i] = make(chan DocOpEvent, per)
		d.wg.Add(1)
		go d.run(i, d.shards[i])
	}
	return d
}

func (d *KafkaDispatcher) shardOf(docID string) chan DocOpEvent {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

// Enqueue 放入文档对应的分片，分片满时等到 ctx 结束
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocOpEvent) error {
	select {
	case d.shardOf(evt.DocID) <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收，等已入队的事件发完
func (d *KafkaDispatcher) Close() {
	d.once.Do(func() {
		for _, q := range d.shards {
			close(q)
		}
	})
	d.wg.Wait()
}

func (d *KafkaDispatcher) run(shard int, q <-chan DocOpEvent) {
	defer d.wg.Done()
	for evt := range q {
		d.deliver(shard, evt)
	}
}

func (d *KafkaDispatcher) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.baseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if d.maxBackoff > 0 {
		b.MaxInterval = d.maxBackoff
	}
	b.MaxElapsedTime = 0 // 只按次数停止
	return backoff.WithMaxRetries(b, uint64(d.maxRetry))
}

func (d *KafkaDispatcher) deliver(shard int, evt DocOpEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("kafka encode failed doc=%s v=%d: %v", evt.DocID, evt.Version, err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID), // 同一文档落在同一分区
		Value: sarama.ByteEncoder(payload),
	}
	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		return d.send(msg)
	}, d.retryPolicy())
	if err != nil {
		log.Printf("kafka send failed, drop event doc=%s v=%d op=%s shard=%d attempts=%d err=%v",
			evt.DocID, evt.Version, evt.OperationID, shard, attempts, err)
	}
}

func (d *KafkaDispatcher) send(msg *sarama.ProducerMessage) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	if d.sem != nil {
		// worker 可以一直等，不影响定序
		_ = d.sem.Acquire(context.Background())
		defer func() { _ = d.sem.Release() }()
	}
	_, _, err := d.producer.SendMessage(msg)
	return err
}
