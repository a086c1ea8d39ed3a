package plan

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// 当 κ 低于该阈值时，轨迹退化为均匀切分，
// 直接按 Q/N 计算以避免除以接近零的 sinh。
const degenerateThreshold = 1e-8

// 切片数量保留的小数位数，残差统一归入最后一个切片。
const quantityScale = 8

// Params 为一次轨迹计算的全部输入。
type Params struct {
	TotalQuantity   decimal.Decimal
	NumSlices       int
	Horizon         time.Duration
	RiskAversion    float64
	Volatility      float64
	TemporaryImpact float64
}

// Slice 为计划中的单个切片。
type Slice struct {
	Index    int
	Quantity decimal.Decimal
}

// Schedule 为一次意图的完整执行计划，计算后不可变。
type Schedule struct {
	Slices []Slice
	Kappa  float64
}

// Total 返回全部切片数量之和。
func (s Schedule) Total() decimal.Decimal {
	total := decimal.Zero
	for _, slice := range s.Slices {
		total = total.Add(slice.Quantity)
	}
	return total
}

// Compute 依据风险/冲击权衡计算各切片目标数量。
// 剩余量曲线在归一化时间轴 τ∈[0,1] 上求值：
// x_k = Q·sinh(κ(N−k)/N)/sinh(κ)，κ = sqrt(λσ²/η)。
// 直接使用秒级时间会使 κ·T 过大，曲线在首切片即衰减殆尽。
func Compute(p Params) (Schedule, error) {
	if err := p.validate(); err != nil {
		return Schedule{}, err
	}

	n := p.NumSlices
	if n == 1 {
		return Schedule{Slices: []Slice{{Index: 0, Quantity: p.TotalQuantity}}}, nil
	}

	kappa := math.Sqrt(p.RiskAversion * p.Volatility * p.Volatility / p.TemporaryImpact)

	if kappa < degenerateThreshold {
		return uniformSchedule(p.TotalQuantity, n), nil
	}

	// 先以浮点求剩余量曲线，再转定点数并将残差归入末切片。
	quantity, _ := p.TotalQuantity.Float64()
	denom := math.Sinh(kappa)

	slices := make([]Slice, 0, n)
	allocated := decimal.Zero
	prev := quantity
	for k := 1; k < n; k++ {
		remaining := quantity * math.Sinh(kappa*float64(n-k)/float64(n)) / denom
		step := decimal.NewFromFloat(prev - remaining).Round(quantityScale)
		slices = append(slices, Slice{Index: k - 1, Quantity: step})
		allocated = allocated.Add(step)
		prev = remaining
	}
	slices = append(slices, Slice{Index: n - 1, Quantity: p.TotalQuantity.Sub(allocated)})

	return Schedule{Slices: slices, Kappa: kappa}, nil
}

func uniformSchedule(total decimal.Decimal, n int) Schedule {
	base := total.Div(decimal.NewFromInt(int64(n))).Round(quantityScale)
	slices := make([]Slice, 0, n)
	allocated := decimal.Zero
	for k := 0; k < n-1; k++ {
		slices = append(slices, Slice{Index: k, Quantity: base})
		allocated = allocated.Add(base)
	}
	slices = append(slices, Slice{Index: n - 1, Quantity: total.Sub(allocated)})
	return Schedule{Slices: slices}
}

func (p Params) validate() error {
	if p.NumSlices <= 0 {
		return fmt.Errorf("plan: 切片数量必须大于0, got %d", p.NumSlices)
	}
	if p.Horizon <= 0 {
		return fmt.Errorf("plan: 执行时长必须大于0, got %s", p.Horizon)
	}
	if p.TotalQuantity.Sign() <= 0 {
		return fmt.Errorf("plan: 总数量必须为正, got %s", p.TotalQuantity)
	}
	if p.RiskAversion < 0 {
		return fmt.Errorf("plan: 风险厌恶系数不能为负, got %f", p.RiskAversion)
	}
	if p.Volatility < 0 {
		return fmt.Errorf("plan: 波动率不能为负, got %f", p.Volatility)
	}
	if p.TemporaryImpact <= 0 {
		return fmt.Errorf("plan: 冲击系数必须大于0, got %f", p.TemporaryImpact)
	}
	return nil
}
