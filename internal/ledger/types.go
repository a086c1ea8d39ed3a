package ledger

import (
	"time"

	"adaptive-exec/internal/order"
)

// RecordType 表示台账记录类型。
type RecordType string

const (
	RecordSlice  RecordType = "slice"
	RecordIntent RecordType = "intent"
	RecordError  RecordType = "error"
)

// Record 封装通用台账记录。
type Record struct {
	Type          RecordType  `json:"type"`
	CorrelationID string      `json:"correlation_id"`
	Timestamp     time.Time   `json:"timestamp"`
	Payload       interface{} `json:"payload"`
}

// SlicePayload 为单个切片的执行记录。
type SlicePayload struct {
	Symbol     string      `json:"symbol"`
	Side       order.Side  `json:"side"`
	SliceIndex int         `json:"slice_index"`
	Target     string      `json:"target"`
	Filled     string      `json:"filled"`
	LimitPrice string      `json:"limit_price"`
	Aggression float64     `json:"aggression"`
	QuoteStale bool        `json:"quote_stale"`
	State      order.State `json:"state"`
}

// IntentPayload 为整个意图的终态记录。
type IntentPayload struct {
	Symbol       string            `json:"symbol"`
	Side         order.Side        `json:"side"`
	Urgency      order.Urgency     `json:"urgency"`
	SlicesUsed   int               `json:"slices_used"`
	Placed       string            `json:"placed"`
	Filled       string            `json:"filled"`
	AvgFillPrice string            `json:"avg_fill_price"`
	FillRatio    string            `json:"fill_ratio"`
	Disposition  order.Disposition `json:"disposition"`
	Error        string            `json:"error,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
