package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adaptive-exec/internal/ledger"
	"adaptive-exec/internal/order"
)

type intentRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	Urgency       string `json:"urgency"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func startServer(ctx context.Context, d *dispatcher, svc *ledger.Service, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/intents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req intentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("解析请求失败: %v", err), http.StatusBadRequest)
			return
		}

		quantity, err := decimal.NewFromString(strings.TrimSpace(req.Quantity))
		if err != nil {
			http.Error(w, fmt.Sprintf("解析数量失败: %v", err), http.StatusBadRequest)
			return
		}

		intent, err := order.NewIntent(
			req.Symbol,
			order.Side(strings.ToLower(req.Side)),
			quantity,
			order.Urgency(strings.ToLower(req.Urgency)),
			req.CorrelationID,
		)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		d.Submit(intent)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"correlation_id": intent.CorrelationID,
		})
	})

	mux.HandleFunc("/records", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		recordType := ledger.RecordType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			recordType = ledger.RecordType(strings.ToLower(typ))
		}

		records, err := svc.ListRecords(r.Context(), recordType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			logger.Warn("写入台账响应失败", zap.Error(err))
		}
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭服务接口失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("服务接口异常", zap.Error(err))
		}
	}()

	logger.Info("服务接口已启动", zap.String("addr", addr))
	return nil
}
