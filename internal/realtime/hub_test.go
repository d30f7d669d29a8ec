package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/clearhold/clearhold/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func updateEvent(escrowID uint64, parties ...string) *Event {
	return &Event{
		Type:      EventEscrowUpdated,
		Timestamp: time.Now(),
		Data:      escrowUpdate{EscrowID: escrowID, Status: escrow.StatusFunded, Parties: parties},
	}
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, updateEvent(7, "acc_1")) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EscrowFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{EscrowIDs: []uint64{7}}}

	if !h.shouldSend(client, updateEvent(7, "acc_1")) {
		t.Error("Should receive watched escrow's events")
	}
	if h.shouldSend(client, updateEvent(8, "acc_1")) {
		t.Error("Should NOT receive other escrows' events")
	}
}

func TestShouldSend_AccountFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AccountIDs: []string{"acc_buyer"}}}

	if !h.shouldSend(client, updateEvent(7, "acc_buyer", "acc_seller", "acc_arbiter")) {
		t.Error("Should match a party account")
	}
	if h.shouldSend(client, updateEvent(7, "acc_other", "acc_seller", "acc_arbiter")) {
		t.Error("Should NOT match escrows the account is not party to")
	}
}

func TestEscrowUpdatedBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()

	h.EscrowUpdated(&escrow.Escrow{
		EscrowID: 7,
		BuyerID:  "acc_buyer",
		SellerID: "acc_seller",
		Status:   escrow.StatusCompleted,
	})

	deadline := time.After(time.Second)
	for h.totalEvents.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("broadcast never processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := testHub()
	// Run loop not started; fill the channel.
	for i := 0; i < 300; i++ {
		h.Broadcast(updateEvent(uint64(i), "acc_1"))
	}
	// No panic and no block is the assertion.
}
