package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"barrierbot/internal/config"
	"barrierbot/internal/exchange"
	"barrierbot/internal/storage"
)

// OrderTestClient is the exchange slice the one-shot dry run drives.
type OrderTestClient interface {
	HasCredentials() bool
	GetAccounts(ctx context.Context) ([]exchange.Account, exchange.CallResult, error)
	GetOrdersChance(ctx context.Context, market string) (*exchange.OrderChance, exchange.CallResult, error)
	OrderTest(ctx context.Context, req exchange.OrderRequest) (exchange.CallResult, error)
}

// RunOrderTest performs the authenticated dry-run sequence (accounts, order
// constraints, then a validation-only buy) and records the attempt in the
// ledger. It places no real order.
func RunOrderTest(
	ctx context.Context,
	client OrderTestClient,
	attempts storage.AttemptStore,
	symbol string,
	cfg config.ExecutionConfig,
	logger zerolog.Logger,
) error {
	if !client.HasCredentials() {
		logger.Info().Msg("exchange credentials missing, dry run skipped")
		return nil
	}

	accounts, result, err := client.GetAccounts(ctx)
	if err != nil {
		return fmt.Errorf("accounts check: %w", err)
	}
	logger.Info().
		Int("accounts", len(accounts)).
		Int("http_status", result.HTTPStatus).
		Int64("latency_ms", result.LatencyMS).
		Msg("accounts fetched")

	chance, result, err := client.GetOrdersChance(ctx, symbol)
	if err != nil {
		return fmt.Errorf("orders chance check: %w", err)
	}
	logger.Info().
		Str("bid_fee", chance.BidFee).
		Str("ask_fee", chance.AskFee).
		Int("http_status", result.HTTPStatus).
		Msg("order constraints fetched")

	spend := decimal.NewFromFloat(cfg.OrderTestCash)
	identifier := fmt.Sprintf("bb-ordertest-%d", time.Now().UTC().Unix())
	req := exchange.OrderRequest{
		Market:     symbol,
		Side:       "bid",
		OrdType:    "price",
		Price:      spend.String(),
		Identifier: identifier,
	}

	attempt := storage.OrderAttempt{
		TS:         time.Now().UTC(),
		Symbol:     symbol,
		Action:     "ORDER_TEST",
		Mode:       ModeTest,
		Side:       req.Side,
		OrdType:    req.OrdType,
		Price:      &spend,
		Identifier: identifier,
	}
	if encoded, marshalErr := json.Marshal(map[string]string{
		"market": req.Market, "side": req.Side, "ord_type": req.OrdType,
		"price": req.Price, "identifier": req.Identifier,
	}); marshalErr == nil {
		attempt.RequestJSON = encoded
	}

	result, callErr := client.OrderTest(ctx, req)
	fillCallMeta(&attempt, result)
	if callErr != nil {
		attempt.Status = storage.AttemptError
		msg := callErr.Error()
		attempt.ErrorMsg = &msg
		if _, insertErr := attempts.InsertAttempt(ctx, attempt); insertErr != nil {
			return fmt.Errorf("record failed dry run: %w", insertErr)
		}
		return fmt.Errorf("order dry run: %w", callErr)
	}

	attempt.Status = storage.AttemptTestOK
	if _, insertErr := attempts.InsertAttempt(ctx, attempt); insertErr != nil {
		return fmt.Errorf("record dry run: %w", insertErr)
	}
	logger.Info().
		Str("identifier", identifier).
		Int("http_status", result.HTTPStatus).
		Msg("order dry run succeeded")
	return nil
}
