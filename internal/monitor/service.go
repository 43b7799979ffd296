package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mt5-bridge/internal/store"
)

// Service 负责持久化请求流水与成交留痕。
// 留痕失败只告警不阻断，请求处理永远不因流水库出错而失败。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化流水服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS bridge_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bridge_events_type ON bridge_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bridge_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordRequest 记录一次请求应答，实现 bridge.Journal。
func (s *Service) RecordRequest(ctx context.Context, action, status string, latency time.Duration, errMsg string) {
	if err := s.record(ctx, Event{
		Type:      EventRequest,
		Timestamp: time.Now().UTC(),
		Payload: RequestPayload{
			Action:    action,
			Status:    status,
			LatencyMs: latency.Milliseconds(),
			Error:     errMsg,
		},
	}); err != nil {
		s.logger.Warn("记录请求事件失败", zap.Error(err))
	}
}

// RecordTrade 记录修改类动作的成功载荷，实现 bridge.Journal。
func (s *Service) RecordTrade(ctx context.Context, action string, data map[string]interface{}) {
	if err := s.record(ctx, Event{
		Type:      EventTrade,
		Timestamp: time.Now().UTC(),
		Payload:   TradePayload{Action: action, Data: data},
	}); err != nil {
		s.logger.Warn("记录成交事件失败", zap.Error(err))
	}
}

// ListEvents 按类型检索最近事件，供只读监控接口使用。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM bridge_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
