package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side 表示委托方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Urgency 表示调用方声明的执行紧迫程度。
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// Intent 为一次完整的交易意图，创建后不可变。
type Intent struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	Urgency       Urgency
	CorrelationID string
	CreatedAt     time.Time
}

// NewIntent 构造交易意图，缺失关联ID时自动生成。
func NewIntent(symbol string, side Side, quantity decimal.Decimal, urgency Urgency, correlationID string) (Intent, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return Intent{}, fmt.Errorf("order: symbol 不能为空")
	}
	if side != SideBuy && side != SideSell {
		return Intent{}, fmt.Errorf("order: 无效的方向 %q", side)
	}
	if quantity.Sign() <= 0 {
		return Intent{}, fmt.Errorf("order: 数量必须为正, got %s", quantity)
	}
	switch urgency {
	case UrgencyHigh, UrgencyMedium, UrgencyLow:
	default:
		return Intent{}, fmt.Errorf("order: 无效的紧迫度 %q", urgency)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Intent{
		Symbol:        symbol,
		Side:          side,
		Quantity:      quantity,
		Urgency:       urgency,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// State 表示单笔切片委托的状态。
type State string

const (
	StateSubmitted       State = "submitted"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateCanceled        State = "canceled"
	StateExpired         State = "expired"
	StateRejected        State = "rejected"
)

// IsTerminal 判断状态是否为终态。
func (s State) IsTerminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateExpired, StateRejected:
		return true
	}
	return false
}

// SliceOrder 为执行循环独占持有的单笔切片委托。
type SliceOrder struct {
	OrderID     string
	SliceIndex  int
	Target      decimal.Decimal
	LimitPrice  decimal.Decimal
	Aggression  float64
	QuoteStale  bool
	Filled      decimal.Decimal
	AvgPrice    decimal.Decimal
	State       State
	SubmittedAt time.Time
}

// Disposition 为整个意图的最终结局。
type Disposition string

const (
	DispositionCompleted         Disposition = "completed"
	DispositionFallbackEscalated Disposition = "fallback_escalated"
	DispositionFailed            Disposition = "failed"
)

// SliceOutcome 记录单个切片的执行结果。
type SliceOutcome struct {
	SliceIndex int
	Target     decimal.Decimal
	Filled     decimal.Decimal
	LimitPrice decimal.Decimal
	AvgPrice   decimal.Decimal
	Aggression float64
	QuoteStale bool
	State      State
}

// Result 为每个 Intent 的唯一执行结果，构造后不可变。
type Result struct {
	Intent       Intent
	Placed       decimal.Decimal
	Filled       decimal.Decimal
	AvgFillPrice decimal.Decimal
	Slices       []SliceOutcome
	Disposition  Disposition
	Err          error
	FinishedAt   time.Time
}

// FillRatio 返回成交比例，原始数量为零时返回零。
func (r Result) FillRatio() decimal.Decimal {
	if r.Intent.Quantity.Sign() <= 0 {
		return decimal.Zero
	}
	return r.Filled.Div(r.Intent.Quantity)
}
