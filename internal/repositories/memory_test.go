package repositories

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/milestone-escrow/backend/internal/models"
)

func newStoredContract(t *testing.T, s *MemoryStore) *models.Contract {
	t.Helper()
	c, err := models.NewContract(models.NewContractParams{
		ClientID:          uuid.New(),
		FreelancerID:      uuid.New(),
		TotalAmount:       10,
		EscrowAddress:     "addr_escrow",
		ClientAddress:     "addr_client",
		FreelancerAddress: "addr_freelancer",
		FeeRateBPS:        100,
		Milestones:        []models.Milestone{{ID: "m1", Title: "all", Amount: 10}},
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewContract: %v", err)
	}
	if err := s.CreateContract(context.Background(), c); err != nil {
		t.Fatalf("CreateContract: %v", err)
	}
	return c
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newStoredContract(t, s)

	a, _ := s.GetContract(ctx, c.ID)
	b, _ := s.GetContract(ctx, c.ID)

	a.State = models.ContractStateFunded
	if err := s.UpdateContract(ctx, a, a.Version); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version = %d, want 2", a.Version)
	}

	b.State = models.ContractStateCancelled
	if err := s.UpdateContract(ctx, b, b.Version); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update error = %v, want ErrVersionConflict", err)
	}

	got, _ := s.GetContract(ctx, c.ID)
	if got.State != models.ContractStateFunded {
		t.Errorf("state = %s", got.State)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newStoredContract(t, s)

	got, _ := s.GetContract(ctx, c.ID)
	got.Milestones[0].Status = models.MilestoneStatusApproved

	again, _ := s.GetContract(ctx, c.ID)
	if again.Milestones[0].Status != models.MilestoneStatusPending {
		t.Error("caller mutation leaked into the store")
	}
}

func TestMemoryStoreRecordPaymentOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newStoredContract(t, s)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.RecordPayment(ctx, &models.Payment{
				TransferID: "tx1",
				ContractID: c.ID,
				Kind:       models.PaymentKindDeposit,
				Amount:     10,
				Status:     models.PaymentStatusPending,
			}, nil, 0)
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateTransfer):
			dup++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || dup != 9 {
		t.Errorf("ok=%d dup=%d, want 1/9", ok, dup)
	}
}

func TestMemoryStoreRecordPaymentRollsBackOnConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newStoredContract(t, s)

	c.State = models.ContractStateFunded
	err := s.RecordPayment(ctx, &models.Payment{TransferID: "tx1", ContractID: c.ID, Status: models.PaymentStatusPending}, c, c.Version+5)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("error = %v, want ErrVersionConflict", err)
	}
	if _, err := s.GetPaymentByTransferID(ctx, "tx1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("payment stored despite conflict: %v", err)
	}
}

func TestMemoryStoreSettlePayment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newStoredContract(t, s)

	p := &models.Payment{TransferID: "tx1", ContractID: c.ID, Status: models.PaymentStatusPending}
	if err := s.RecordPayment(ctx, p, nil, 0); err != nil {
		t.Fatal(err)
	}

	pending, _ := s.ListPendingPayments(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}

	p.Status = models.PaymentStatusConfirmed
	if err := s.SettlePayment(ctx, p, nil, 0); err != nil {
		t.Fatalf("settle: %v", err)
	}
	p.Status = models.PaymentStatusFailed
	if err := s.SettlePayment(ctx, p, nil, 0); !errors.Is(err, ErrPaymentNotPending) {
		t.Fatalf("second settle error = %v", err)
	}

	got, _ := s.GetPaymentByTransferID(ctx, "tx1")
	if got.Status != models.PaymentStatusConfirmed {
		t.Errorf("status = %s", got.Status)
	}
}

func TestMemoryStoreListUnfunded(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	funded := newStoredContract(t, s)
	idle := newStoredContract(t, s)

	_ = s.RecordPayment(ctx, &models.Payment{TransferID: "tx1", ContractID: funded.ID, Status: models.PaymentStatusPending}, nil, 0)

	got, err := s.ListUnfundedContracts(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != idle.ID {
		t.Errorf("unfunded = %+v", got)
	}
}

func TestMemoryStoreAuditNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()
	other := uuid.New()

	_ = s.Log(ctx, models.AuditLog{ActorType: models.ActorTypeSystem, Action: "first", EntityType: "contract", EntityID: &id})
	_ = s.Log(ctx, models.AuditLog{ActorType: models.ActorTypeSystem, Action: "noise", EntityType: "contract", EntityID: &other})
	_ = s.Log(ctx, models.AuditLog{ActorType: models.ActorTypeSystem, Action: "second", EntityType: "contract", EntityID: &id})

	logs, _ := s.GetByEntity(ctx, "contract", id, 10, 0)
	if len(logs) != 2 || logs[0].Action != "second" || logs[1].Action != "first" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestMemoryStoreListContractsClampsLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < models.MaxContractPage+5; i++ {
		newStoredContract(t, s)
	}

	got, err := s.ListContracts(ctx, ContractFilter{Limit: 500})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != models.MaxContractPage {
		t.Errorf("limit 500 returned %d contracts, want %d", len(got), models.MaxContractPage)
	}

	got, _ = s.ListContracts(ctx, ContractFilter{})
	if len(got) != 20 {
		t.Errorf("default page returned %d contracts, want 20", len(got))
	}

	got, _ = s.ListContracts(ctx, ContractFilter{Limit: 10, Offset: -3})
	if len(got) != 10 {
		t.Errorf("negative offset returned %d contracts", len(got))
	}
}
