package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/outcomex/clob/pkg/core"
)

// HTTPSink talks to an operator relay that submits transactions on-chain.
// The resty client retries 5xx responses before the settlement builder's
// own backoff kicks in.
type HTTPSink struct {
	http *resty.Client
	log  *zap.Logger
}

// NewHTTPSink creates a sink client against the relay base URL.
func NewHTTPSink(baseURL string, log *zap.Logger) *HTTPSink {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	return &HTTPSink{http: client, log: log}
}

type txResponse struct {
	TxID string `json:"txId"`
}

type commitRequest struct {
	Root        string `json:"root"`
	TotalAmount string `json:"totalAmount"`
}

// CommitEpoch posts the epoch root to the relay.
func (s *HTTPSink) CommitEpoch(ctx context.Context, root common.Hash, totalAmount *big.Int) (string, error) {
	var out txResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(commitRequest{Root: root.Hex(), TotalAmount: totalAmount.String()}).
		SetResult(&out).
		Post("/settlement/commit")
	if err != nil {
		return "", fmt.Errorf("commit epoch: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("commit epoch: relay returned %s: %s", resp.Status(), resp.String())
	}
	s.log.Info("epoch_committed_onchain", zap.String("root", root.Hex()), zap.String("tx", out.TxID))
	return out.TxID, nil
}

type matchRequest struct {
	Taker      *core.SignedOrder   `json:"takerOrder"`
	Makers     []*core.SignedOrder `json:"makerOrders"`
	TakerFill  string              `json:"takerFillAmount"`
	MakerFills []string            `json:"makerFillAmounts"`
}

// MatchOrders posts a matched order group to the relay's match endpoint.
func (s *HTTPSink) MatchOrders(ctx context.Context, taker *core.SignedOrder, makers []*core.SignedOrder, takerFill *big.Int, makerFills []*big.Int) (string, error) {
	fills := make([]string, len(makerFills))
	for i, f := range makerFills {
		fills[i] = f.String()
	}
	var out txResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(matchRequest{
			Taker:      taker,
			Makers:     makers,
			TakerFill:  takerFill.String(),
			MakerFills: fills,
		}).
		SetResult(&out).
		Post("/settlement/match")
	if err != nil {
		return "", fmt.Errorf("match orders: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("match orders: relay returned %s: %s", resp.Status(), resp.String())
	}
	return out.TxID, nil
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// ExternalBalance reads a user's on-chain holding through the relay. Used
// by the reconciliation loop as the source of truth.
func (s *HTTPSink) ExternalBalance(ctx context.Context, user common.Address, tokenID *big.Int) (*big.Int, error) {
	var out balanceResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/balances/%s/%s", core.LowerHex(user), tokenID))
	if err != nil {
		return nil, fmt.Errorf("external balance: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("external balance: relay returned %s: %s", resp.Status(), resp.String())
	}
	v, ok := new(big.Int).SetString(out.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("external balance: bad value %q", out.Balance)
	}
	return v, nil
}
