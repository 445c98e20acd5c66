package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/milestone-escrow/backend/internal/metrics"
	"go.uber.org/zap"
)

type VerifierConfig struct {
	Timeout    time.Duration // per attempt
	MaxRetries int
	Backoff    time.Duration // initial interval
}

// Verifier checks that transfers reported by callers actually landed on chain.
type Verifier struct {
	query   Query
	cfg     VerifierConfig
	metrics *metrics.Registry
	log     *zap.Logger
}

func NewVerifier(query Query, cfg VerifierConfig, m *metrics.Registry, log *zap.Logger) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Verifier{query: query, cfg: cfg, metrics: m, log: log}
}

var errRetry = errors.New("retryable verification outcome")

// VerifyDeposit checks that transferID pays at least minAmount to address in
// a single output. When no output pays address, an output whose aux data
// carries contractTag (the contract's datum nonce, raw or hex encoded) is
// accepted in its place.
func (v *Verifier) VerifyDeposit(ctx context.Context, transferID, address string, minAmount int64, contractTag string) VerificationResult {
	return v.run(ctx, "deposit", transferID, func(ctx context.Context) VerificationResult {
		tx, res, ok := v.lookup(ctx, transferID)
		if !ok {
			return res
		}
		outs, err := v.query.GetOutputs(ctx, transferID)
		if err != nil {
			return v.errorResult(transferID, err)
		}
		res = v.confirmed(tx, outs.From)
		observed, matchedBy := v.matchOutput(outs.Outputs, address, contractTag)
		if matchedBy == "" {
			res.Status, res.Reason = StatusInvalid, ReasonNoMatchingOutput
			res.Detail = &Detail{ExpectedAddress: address, ExpectedAmount: minAmount, Outputs: outs.Outputs}
			return res
		}
		if observed < minAmount {
			res.Status, res.Reason = StatusInvalid, ReasonAmountMismatch
			res.Detail = &Detail{ExpectedAddress: address, ExpectedAmount: minAmount, ObservedAmount: observed, MatchedBy: matchedBy, Outputs: outs.Outputs}
			return res
		}
		res.Amount = observed
		res.Detail = &Detail{ExpectedAddress: address, ExpectedAmount: minAmount, ObservedAmount: observed, MatchedBy: matchedBy}
		return res
	})
}

// VerifyRelease checks the payout to recipient and, when feeAddress is set and
// feeMin is positive, a second output carrying the platform fee. Both must
// match by address: recipients are wallets, never scripts.
func (v *Verifier) VerifyRelease(ctx context.Context, transferID, recipient string, minAmount int64, feeAddress string, feeMin int64) VerificationResult {
	return v.run(ctx, "release", transferID, func(ctx context.Context) VerificationResult {
		tx, res, ok := v.lookup(ctx, transferID)
		if !ok {
			return res
		}
		outs, err := v.query.GetOutputs(ctx, transferID)
		if err != nil {
			return v.errorResult(transferID, err)
		}
		res = v.confirmed(tx, outs.From)
		detail := &Detail{ExpectedAddress: recipient, ExpectedAmount: minAmount}

		observed, matchedBy := v.matchOutput(outs.Outputs, recipient, "")
		detail.ObservedAmount, detail.MatchedBy = observed, matchedBy
		switch {
		case matchedBy == "":
			res.Status, res.Reason = StatusInvalid, ReasonNoMatchingOutput
		case observed < minAmount:
			res.Status, res.Reason = StatusInvalid, ReasonAmountMismatch
		}

		if res.Status == StatusConfirmed && feeAddress != "" && feeMin > 0 {
			detail.ExpectedFeeAddress, detail.ExpectedFeeAmount = feeAddress, feeMin
			feeObserved, feeMatched := v.matchOutput(outs.Outputs, feeAddress, "")
			detail.ObservedFeeAmount = feeObserved
			switch {
			case feeMatched == "":
				res.Status, res.Reason = StatusInvalid, ReasonFeeOutputMissing
			case feeObserved < feeMin:
				res.Status, res.Reason = StatusInvalid, ReasonFeeAmountMismatch
			default:
				res.FeeAmount = feeObserved
			}
		}

		if res.Status == StatusInvalid {
			detail.Outputs = outs.Outputs
		} else {
			res.Amount = observed
		}
		res.Detail = detail
		return res
	})
}

// run retries RETRYABLE outcomes with exponential backoff. Every attempt
// re-verifies from scratch under its own timeout.
func (v *Verifier) run(ctx context.Context, kind, transferID string, check func(context.Context) VerificationResult) VerificationResult {
	res := VerificationResult{Status: StatusRetryable, TransferID: transferID, Reason: ReasonIndexerUnavailable}
	attempts := 0

	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
		defer cancel()
		res = check(attemptCtx)
		if res.Status == StatusRetryable {
			return errRetry
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = v.cfg.Backoff
	eb.MaxElapsedTime = 0
	_ = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, uint64(v.cfg.MaxRetries)), ctx))

	v.metrics.IncVerification(kind, string(res.Status))
	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("transfer_id", transferID),
		zap.String("status", string(res.Status)),
		zap.String("reason", res.Reason),
		zap.Int("attempts", attempts),
	}
	if res.Status == StatusInvalid || res.Status == StatusRetryable {
		v.log.Warn("transfer verification", fields...)
	} else {
		v.log.Info("transfer verification", fields...)
	}
	return res
}

// lookup resolves the transaction. ok is false when the outcome is already decided.
func (v *Verifier) lookup(ctx context.Context, transferID string) (*Transaction, VerificationResult, bool) {
	tx, err := v.query.GetTransaction(ctx, transferID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, VerificationResult{
				Status:       StatusPending,
				TransferID:   transferID,
				Found:        false,
				Reason:       ReasonNotFound,
				ExplorerLink: v.query.ExplorerLink(transferID),
			}, false
		}
		return nil, v.errorResult(transferID, err), false
	}
	if !tx.Finalized {
		return nil, VerificationResult{
			Status:       StatusPending,
			TransferID:   transferID,
			Found:        true,
			Reason:       ReasonNotFinal,
			ExplorerLink: v.query.ExplorerLink(transferID),
		}, false
	}
	return tx, VerificationResult{}, true
}

func (v *Verifier) confirmed(tx *Transaction, from string) VerificationResult {
	res := VerificationResult{
		Status:       StatusConfirmed,
		TransferID:   tx.ID,
		Found:        true,
		BlockHeight:  tx.BlockHeight,
		FromAddress:  from,
		ExplorerLink: v.query.ExplorerLink(tx.ID),
	}
	if !tx.BlockTime.IsZero() {
		bt := tx.BlockTime
		res.BlockTime = &bt
	}
	return res
}

func (v *Verifier) errorResult(transferID string, err error) VerificationResult {
	if errors.Is(err, ErrMalformedID) {
		return VerificationResult{
			Status:     StatusInvalid,
			TransferID: transferID,
			Reason:     ReasonMalformedID,
			Detail:     &Detail{Error: err.Error()},
		}
	}
	if !IsTransient(err) {
		v.log.Warn("unclassified indexer error, treating as retryable", zap.String("transfer_id", transferID), zap.Error(err))
	}
	// INVALID is reserved for facts read from the chain
	return VerificationResult{
		Status:     StatusRetryable,
		TransferID: transferID,
		Reason:     ReasonIndexerUnavailable,
		Detail:     &Detail{Error: err.Error()},
	}
}

// matchOutput returns the largest single output paying address. With a
// non-empty tag it falls back to the largest output whose aux data carries the
// tag when no address matches.
func (v *Verifier) matchOutput(outputs []Output, address, tag string) (int64, string) {
	var best int64
	matched := false
	for _, o := range outputs {
		if v.query.SameAddress(o.Address, address) && (!matched || o.Amount > best) {
			best, matched = o.Amount, true
		}
	}
	if matched {
		return best, MatchedByAddress
	}
	if tag == "" {
		return 0, ""
	}
	for _, o := range outputs {
		if auxCarriesTag(o.AuxData, tag) && (!matched || o.Amount > best) {
			best, matched = o.Amount, true
		}
	}
	if matched {
		return best, MatchedByAuxData
	}
	return 0, ""
}

// auxCarriesTag reports whether aux holds tag as text (TON comments) or as
// hex-encoded bytes (Cardano inline datums).
func auxCarriesTag(aux, tag string) bool {
	if aux == "" {
		return false
	}
	aux = strings.ToLower(aux)
	return strings.Contains(aux, strings.ToLower(tag)) ||
		strings.Contains(aux, hex.EncodeToString([]byte(tag)))
}

// IsTransient reports whether err should be retried rather than surfaced.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
