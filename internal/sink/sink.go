// Package sink 定义商品记录的输出端。
package sink

import (
	"context"
	"errors"
	"fmt"

	"skuharvest/internal/model"
	"skuharvest/internal/pkg/metrics"
)

// Sink 接收采集结果。Write 由编排器串行调用。
type Sink interface {
	Name() string
	Write(ctx context.Context, rec model.ProductRecord) error
	Close() error
}

type runIDKey struct{}

// WithRunID 把采集批次 ID 放入 context，供需要持久化批次信息的 sink 使用。
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext 读取批次 ID，未设置时为空串。
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Multi 把每条记录依次写入所有 sink，任一失败即返回错误。
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Write(ctx context.Context, rec model.ProductRecord) error {
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			metrics.SinkWritesTotal.WithLabelValues(s.Name(), "error").Inc()
			return fmt.Errorf("sink %s: %w", s.Name(), err)
		}
		metrics.SinkWritesTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
	return nil
}

// Close 关闭所有 sink，返回合并后的错误。
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
