package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeQuery struct {
	mu       sync.Mutex
	txs      map[string]*Transaction
	outputs  map[string][]Output
	txErrs   []error // consumed one per GetTransaction call
	outErr   error
	txCalls  int
	outCalls int
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{txs: map[string]*Transaction{}, outputs: map[string][]Output{}}
}

func (f *fakeQuery) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	if len(f.txErrs) > 0 {
		err := f.txErrs[0]
		f.txErrs = f.txErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	tx, ok := f.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeQuery) GetOutputs(_ context.Context, id string) (*TransferOutputs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outCalls++
	if f.outErr != nil {
		return nil, f.outErr
	}
	return &TransferOutputs{From: "addr_client", Outputs: f.outputs[id]}, nil
}

func (f *fakeQuery) ExplorerLink(id string) string { return "https://explorer.test/tx/" + id }

func (f *fakeQuery) SameAddress(a, b string) bool { return a == b }

const testNonce = "6f1c2a9e-4b7d-4c38-9a51-0e2f8d3b7c64"

func newTestVerifier(q Query) *Verifier {
	return NewVerifier(q, VerifierConfig{Timeout: time.Second, MaxRetries: 2, Backoff: time.Millisecond}, nil, zap.NewNop())
}

func finalTx(id string) *Transaction {
	return &Transaction{ID: id, Finalized: true, BlockHeight: 100, BlockTime: time.Unix(1_700_000_000, 0).UTC()}
}

func TestVerifyDeposit(t *testing.T) {
	q := newFakeQuery()
	q.txs["ok"] = finalTx("ok")
	q.outputs["ok"] = []Output{{Address: "addr_change", Amount: 1}, {Address: "addr_escrow", Amount: 10_000_000}}

	q.txs["mempool"] = &Transaction{ID: "mempool"}

	q.txs["short"] = finalTx("short")
	q.outputs["short"] = []Output{{Address: "addr_escrow", Amount: 9_999_999}}

	q.txs["elsewhere"] = finalTx("elsewhere")
	q.outputs["elsewhere"] = []Output{{Address: "addr_other", Amount: 10_000_000}}

	// datum of some other contract
	q.txs["script"] = finalTx("script")
	q.outputs["script"] = []Output{{Address: "addr_other", Amount: 5}, {Address: "addr_script", Amount: 10_000_000, AuxData: "d8799f"}}

	q.txs["datum"] = finalTx("datum")
	q.outputs["datum"] = []Output{{Address: "addr_other", Amount: 5}, {Address: "addr_script", Amount: 10_000_000, AuxData: "d8799f" + hex.EncodeToString([]byte(testNonce)) + "ff"}}

	q.txs["comment"] = finalTx("comment")
	q.outputs["comment"] = []Output{{Address: "addr_wallet", Amount: 10_000_000, AuxData: "deposit " + testNonce}}

	// no single output reaches the minimum
	q.txs["split"] = finalTx("split")
	q.outputs["split"] = []Output{{Address: "addr_escrow", Amount: 4_000_000}, {Address: "addr_escrow", Amount: 6_000_000}}

	q.txs["largest"] = finalTx("largest")
	q.outputs["largest"] = []Output{{Address: "addr_escrow", Amount: 1_000_000}, {Address: "addr_escrow", Amount: 12_000_000}}

	v := newTestVerifier(q)

	tests := []struct {
		id         string
		wantStatus Status
		wantReason string
		wantFound  bool
		wantAmount int64
	}{
		{"ok", StatusConfirmed, "", true, 10_000_000},
		{"absent", StatusPending, ReasonNotFound, false, 0},
		{"mempool", StatusPending, ReasonNotFinal, true, 0},
		{"short", StatusInvalid, ReasonAmountMismatch, true, 0},
		{"elsewhere", StatusInvalid, ReasonNoMatchingOutput, true, 0},
		{"script", StatusInvalid, ReasonNoMatchingOutput, true, 0},
		{"datum", StatusConfirmed, "", true, 10_000_000},
		{"comment", StatusConfirmed, "", true, 10_000_000},
		{"split", StatusInvalid, ReasonAmountMismatch, true, 0},
		{"largest", StatusConfirmed, "", true, 12_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			res := v.VerifyDeposit(context.Background(), tt.id, "addr_escrow", 10_000_000, testNonce)
			if res.Status != tt.wantStatus || res.Reason != tt.wantReason || res.Found != tt.wantFound {
				t.Fatalf("got status=%s reason=%q found=%v, want %s %q %v", res.Status, res.Reason, res.Found, tt.wantStatus, tt.wantReason, tt.wantFound)
			}
			if res.Amount != tt.wantAmount {
				t.Errorf("amount = %d, want %d", res.Amount, tt.wantAmount)
			}
			if res.ExplorerLink != "https://explorer.test/tx/"+tt.id {
				t.Errorf("explorer link = %q", res.ExplorerLink)
			}
		})
	}
}

func TestVerifyDepositDiagnostics(t *testing.T) {
	q := newFakeQuery()
	q.txs["short"] = finalTx("short")
	q.outputs["short"] = []Output{{Address: "addr_escrow", Amount: 3}}
	q.txs["elsewhere"] = finalTx("elsewhere")
	q.outputs["elsewhere"] = []Output{{Address: "addr_a", Amount: 1}, {Address: "addr_b", Amount: 2}}
	v := newTestVerifier(q)

	res := v.VerifyDeposit(context.Background(), "short", "addr_escrow", 5, testNonce)
	if res.Detail == nil || res.Detail.ExpectedAmount != 5 || res.Detail.ObservedAmount != 3 {
		t.Fatalf("amount mismatch detail = %+v", res.Detail)
	}

	res = v.VerifyDeposit(context.Background(), "elsewhere", "addr_escrow", 5, testNonce)
	if res.Detail == nil || len(res.Detail.Outputs) != 2 || res.Detail.ExpectedAddress != "addr_escrow" {
		t.Fatalf("no matching output detail = %+v", res.Detail)
	}
}

func TestVerifyRetriesTransientErrors(t *testing.T) {
	q := newFakeQuery()
	q.txs["tx"] = finalTx("tx")
	q.outputs["tx"] = []Output{{Address: "addr_escrow", Amount: 10}}
	q.txErrs = []error{ErrTransient, ErrTransient}
	v := newTestVerifier(q)

	res := v.VerifyDeposit(context.Background(), "tx", "addr_escrow", 10, testNonce)
	if res.Status != StatusConfirmed {
		t.Fatalf("expected CONFIRMED after retries, got %s (%s)", res.Status, res.Reason)
	}
	if q.txCalls != 3 {
		t.Errorf("GetTransaction called %d times, want 3", q.txCalls)
	}
}

func TestVerifyGivesUpAsRetryable(t *testing.T) {
	q := newFakeQuery()
	q.txErrs = []error{ErrTransient, ErrTransient, ErrTransient, ErrTransient}
	v := newTestVerifier(q)

	res := v.VerifyDeposit(context.Background(), "tx", "addr_escrow", 10, testNonce)
	if res.Status != StatusRetryable || res.Reason != ReasonIndexerUnavailable {
		t.Fatalf("got %s %s", res.Status, res.Reason)
	}
	if q.txCalls != 3 {
		t.Errorf("GetTransaction called %d times, want 3 (1 + 2 retries)", q.txCalls)
	}
}

func TestVerifyUnknownErrorsAreNotInvalid(t *testing.T) {
	q := newFakeQuery()
	q.txs["tx"] = finalTx("tx")
	q.outErr = errors.New("blockfrost returned 403: forbidden")
	v := NewVerifier(q, VerifierConfig{Timeout: time.Second, MaxRetries: 0, Backoff: time.Millisecond}, nil, zap.NewNop())

	res := v.VerifyDeposit(context.Background(), "tx", "addr_escrow", 10, testNonce)
	if res.Status != StatusRetryable {
		t.Fatalf("got %s, want RETRYABLE", res.Status)
	}
}

func TestVerifyMalformedIDIsInvalid(t *testing.T) {
	q := newFakeQuery()
	q.txErrs = []error{ErrMalformedID}
	v := newTestVerifier(q)

	res := v.VerifyDeposit(context.Background(), "zz", "addr_escrow", 10, testNonce)
	if res.Status != StatusInvalid || res.Reason != ReasonMalformedID {
		t.Fatalf("got %s %s", res.Status, res.Reason)
	}
	if q.txCalls != 1 {
		t.Errorf("INVALID must not be retried, got %d calls", q.txCalls)
	}
}

func TestVerifyRelease(t *testing.T) {
	q := newFakeQuery()
	q.txs["ok"] = finalTx("ok")
	q.outputs["ok"] = []Output{{Address: "addr_freelancer", Amount: 9_900_000}, {Address: "addr_fee", Amount: 100_000}}

	q.txs["nofee"] = finalTx("nofee")
	q.outputs["nofee"] = []Output{{Address: "addr_freelancer", Amount: 10_000_000}}

	q.txs["lowfee"] = finalTx("lowfee")
	q.outputs["lowfee"] = []Output{{Address: "addr_freelancer", Amount: 9_900_000}, {Address: "addr_fee", Amount: 99_999}}

	// funds re-locked at a script with a datum, nothing paid to the freelancer
	q.txs["relock"] = finalTx("relock")
	q.outputs["relock"] = []Output{{Address: "addr_escrow_script", Amount: 50_000_000, AuxData: "d8799fanything"}, {Address: "addr_fee", Amount: 100_000}}

	q.txs["lowpay"] = finalTx("lowpay")
	q.outputs["lowpay"] = []Output{{Address: "addr_freelancer", Amount: 9_000_000}, {Address: "addr_fee", Amount: 100_000}}

	v := newTestVerifier(q)

	tests := []struct {
		id         string
		feeAddr    string
		wantStatus Status
		wantReason string
	}{
		{"ok", "addr_fee", StatusConfirmed, ""},
		{"nofee", "addr_fee", StatusInvalid, ReasonFeeOutputMissing},
		{"nofee", "", StatusConfirmed, ""},
		{"lowfee", "addr_fee", StatusInvalid, ReasonFeeAmountMismatch},
		{"lowpay", "addr_fee", StatusInvalid, ReasonAmountMismatch},
		{"relock", "addr_fee", StatusInvalid, ReasonNoMatchingOutput},
		{"relock", "", StatusInvalid, ReasonNoMatchingOutput},
		{"absent", "addr_fee", StatusPending, ReasonNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.id+"/"+tt.feeAddr, func(t *testing.T) {
			res := v.VerifyRelease(context.Background(), tt.id, "addr_freelancer", 9_900_000, tt.feeAddr, 100_000)
			if res.Status != tt.wantStatus || res.Reason != tt.wantReason {
				t.Fatalf("got %s %q, want %s %q", res.Status, res.Reason, tt.wantStatus, tt.wantReason)
			}
		})
	}

	res := v.VerifyRelease(context.Background(), "ok", "addr_freelancer", 9_900_000, "addr_fee", 100_000)
	if res.Amount != 9_900_000 || res.FeeAmount != 100_000 {
		t.Errorf("amounts = %d/%d", res.Amount, res.FeeAmount)
	}
	if res.BlockTime == nil || res.BlockHeight != 100 || res.FromAddress != "addr_client" {
		t.Errorf("block metadata missing: %+v", res)
	}
}

// blockingQuery never answers until the caller gives up.
type blockingQuery struct {
	mu    sync.Mutex
	calls int
}

func (b *blockingQuery) GetTransaction(ctx context.Context, _ string) (*Transaction, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingQuery) GetOutputs(ctx context.Context, _ string) (*TransferOutputs, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingQuery) ExplorerLink(string) string { return "" }

func (b *blockingQuery) SameAddress(a, c string) bool { return a == c }

func TestVerifyAttemptTimeoutIsRetryable(t *testing.T) {
	q := &blockingQuery{}
	v := NewVerifier(q, VerifierConfig{Timeout: 20 * time.Millisecond, MaxRetries: 1, Backoff: time.Millisecond}, nil, zap.NewNop())

	start := time.Now()
	res := v.VerifyDeposit(context.Background(), "slow", "addr_escrow", 10, testNonce)
	if res.Status != StatusRetryable || res.Reason != ReasonIndexerUnavailable {
		t.Fatalf("got %s %q, want RETRYABLE", res.Status, res.Reason)
	}
	if q.calls != 2 {
		t.Errorf("attempts = %d, want 2", q.calls)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("verification took %s", elapsed)
	}
}

func TestMatchOutputIgnoresUntaggedAux(t *testing.T) {
	v := newTestVerifier(newFakeQuery())
	outputs := []Output{{Address: "addr_script", Amount: 7, AuxData: "d8799f"}}

	if amt, by := v.matchOutput(outputs, "addr_escrow", ""); by != "" || amt != 0 {
		t.Errorf("without tag got %d %q", amt, by)
	}
	if _, by := v.matchOutput(outputs, "addr_escrow", testNonce); by != "" {
		t.Errorf("unrelated datum matched by %q", by)
	}
	outputs[0].AuxData = "D8799F" + strings.ToUpper(hex.EncodeToString([]byte(testNonce)))
	if amt, by := v.matchOutput(outputs, "addr_escrow", testNonce); by != MatchedByAuxData || amt != 7 {
		t.Errorf("tagged datum got %d %q", amt, by)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(ErrTransient) || !IsTransient(context.DeadlineExceeded) {
		t.Error("transient errors not detected")
	}
	if IsTransient(ErrNotFound) || IsTransient(nil) {
		t.Error("not found is not transient")
	}
}
