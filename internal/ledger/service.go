package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"adaptive-exec/internal/order"
	"adaptive-exec/internal/store"
)

// Service 负责持久化执行台账。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化台账服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger: store 不能为空")
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
CREATE TABLE IF NOT EXISTS execution_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	record_type TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_records_type ON execution_records(record_type);
CREATE INDEX IF NOT EXISTS idx_execution_records_corr ON execution_records(correlation_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("ledger: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单条台账记录。
func (s *Service) Record(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("ledger: 序列化记录失败: %w", err)
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_records (record_type, correlation_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(rec.Type), rec.CorrelationID, string(payload), rec.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("ledger: 写入记录失败: %w", err)
	}

	return nil
}

// RecordSliceOutcome 记录单个切片的执行结果。
func (s *Service) RecordSliceOutcome(ctx context.Context, intent order.Intent, outcome order.SliceOutcome) {
	payload := SlicePayload{
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		SliceIndex: outcome.SliceIndex,
		Target:     outcome.Target.String(),
		Filled:     outcome.Filled.String(),
		LimitPrice: outcome.LimitPrice.String(),
		Aggression: outcome.Aggression,
		QuoteStale: outcome.QuoteStale,
		State:      outcome.State,
	}
	if err := s.Record(ctx, Record{
		Type:          RecordSlice,
		CorrelationID: intent.CorrelationID,
		Payload:       payload,
	}); err != nil {
		s.logger.Warn("记录切片台账失败", zap.Error(err))
	}
}

// RecordResult 记录意图的终态结果。
func (s *Service) RecordResult(ctx context.Context, result order.Result) {
	payload := IntentPayload{
		Symbol:       result.Intent.Symbol,
		Side:         result.Intent.Side,
		Urgency:      result.Intent.Urgency,
		SlicesUsed:   len(result.Slices),
		Placed:       result.Placed.String(),
		Filled:       result.Filled.String(),
		AvgFillPrice: result.AvgFillPrice.String(),
		FillRatio:    result.FillRatio().String(),
		Disposition:  result.Disposition,
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}
	if err := s.Record(ctx, Record{
		Type:          RecordIntent,
		CorrelationID: result.Intent.CorrelationID,
		Payload:       payload,
	}); err != nil {
		s.logger.Warn("记录意图台账失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, correlationID, msg string, err error) {
	payload := ErrorPayload{Message: msg}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Record{
		Type:          RecordError,
		CorrelationID: correlationID,
		Payload:       payload,
	}); recErr != nil {
		s.logger.Warn("记录异常台账失败", zap.Error(recErr))
	}
}

// ListRecords 按类型检索最近台账记录。
func (s *Service) ListRecords(ctx context.Context, recordType RecordType, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT record_type, correlation_id, payload, created_at FROM execution_records`
	args := make([]interface{}, 0, 2)
	if recordType != "" {
		query += ` WHERE record_type = ?`
		args = append(args, string(recordType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询记录失败: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var (
			typ     string
			corr    string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &corr, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("ledger: 解析记录失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		records = append(records, Record{
			Type:          RecordType(typ),
			CorrelationID: corr,
			Timestamp:     ts,
			Payload:       json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: 读取记录失败: %w", err)
	}

	return records, nil
}
