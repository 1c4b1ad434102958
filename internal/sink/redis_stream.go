package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"skuharvest/internal/model"

	"github.com/redis/go-redis/v9"
)

// DefaultRecordStream 默认的记录 Stream 名称。
const DefaultRecordStream = "skuharvest:records"

const streamMaxLen = 100000

// StreamSink 把每条记录以 JSON 形式 XADD 到 Redis Stream，供下游消费者读取。
type StreamSink struct {
	rdb    *redis.Client
	logger *slog.Logger
	stream string
}

// NewStreamSink 创建 StreamSink。rdb 的生命周期由调用方管理。
func NewStreamSink(rdb *redis.Client, logger *slog.Logger, stream string) *StreamSink {
	if stream == "" {
		stream = DefaultRecordStream
	}
	return &StreamSink{rdb: rdb, logger: logger, stream: stream}
}

func (s *StreamSink) Name() string { return "redis_stream" }

func (s *StreamSink) Write(ctx context.Context, rec model.ProductRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	msgID, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"sku":    string(rec.MPN),
			"run_id": RunIDFromContext(ctx),
			"data":   string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}

	s.logger.Debug("record published",
		slog.String("stream", s.stream),
		slog.String("msg_id", msgID),
		slog.String("sku", string(rec.MPN)))
	return nil
}

// Close 不关闭共享的 Redis 客户端。
func (s *StreamSink) Close() error { return nil }

// DecodeStreamRecord 解析 StreamSink 写入的消息字段。
func DecodeStreamRecord(values map[string]interface{}) (model.ProductRecord, string, error) {
	raw, ok := values["data"].(string)
	if !ok {
		return model.ProductRecord{}, "", fmt.Errorf("stream message missing data field")
	}
	var rec model.ProductRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.ProductRecord{}, "", fmt.Errorf("unmarshal record: %w", err)
	}
	runID, _ := values["run_id"].(string)
	return rec, runID, nil
}
