package service

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tabletrack/api/internal/enum"
)

func TestValidTransitionsFrom(t *testing.T) {
	tests := []struct {
		status string
		method string
		want   []string
	}{
		{enum.OrderStatusPending, enum.DeliveryMethodPickup, []string{enum.OrderStatusPreparing, enum.OrderStatusCancelled}},
		{enum.OrderStatusPreparing, enum.DeliveryMethodPickup, []string{enum.OrderStatusReady, enum.OrderStatusCancelled}},
		{enum.OrderStatusReady, enum.DeliveryMethodPickup, []string{enum.OrderStatusCompleted, enum.OrderStatusCancelled}},
		{enum.OrderStatusReady, enum.DeliveryMethodDelivery, []string{enum.OrderStatusOutForDelivery, enum.OrderStatusCancelled}},
		{enum.OrderStatusOutForDelivery, enum.DeliveryMethodDelivery, []string{enum.OrderStatusCompleted, enum.OrderStatusCancelled}},
		{enum.OrderStatusCompleted, enum.DeliveryMethodPickup, nil},
		{enum.OrderStatusCancelled, enum.DeliveryMethodDelivery, nil},
	}
	for _, tt := range tests {
		got := ValidTransitionsFrom(tt.status, tt.method)
		if !slices.Equal(got, tt.want) {
			t.Errorf("ValidTransitionsFrom(%s, %s) = %v, want %v", tt.status, tt.method, got, tt.want)
		}
	}
}

func TestCheckEdge_TerminalStatesAbsorb(t *testing.T) {
	all := []string{
		enum.OrderStatusPending, enum.OrderStatusPreparing, enum.OrderStatusReady,
		enum.OrderStatusOutForDelivery, enum.OrderStatusCompleted, enum.OrderStatusCancelled,
	}
	for _, from := range []string{enum.OrderStatusCompleted, enum.OrderStatusCancelled} {
		for _, to := range all {
			if from == to {
				continue
			}
			if err := checkEdge(from, to, enum.DeliveryMethodDelivery); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s err = %v, want ErrInvalidTransition", from, to, err)
			}
		}
	}
}

func TestCheckActor(t *testing.T) {
	owner := uuid.New()
	tests := []struct {
		name  string
		from  string
		to    string
		actor Actor
		ref   uuid.UUID
		ok    bool
	}{
		{"admin accepts", enum.OrderStatusPending, enum.OrderStatusPreparing, Actor{Role: enum.RoleAdmin}, owner, true},
		{"kitchen ready", enum.OrderStatusPreparing, enum.OrderStatusReady, Actor{Role: enum.RoleKitchen}, owner, true},
		{"kitchen accept", enum.OrderStatusPending, enum.OrderStatusPreparing, Actor{Role: enum.RoleKitchen}, owner, false},
		{"owner cancels", enum.OrderStatusPending, enum.OrderStatusCancelled, Actor{UserID: owner, Role: enum.RoleCustomer}, owner, true},
		{"stranger cancels", enum.OrderStatusPending, enum.OrderStatusCancelled, Actor{UserID: uuid.New(), Role: enum.RoleCustomer}, owner, false},
		{"customer on staff order", enum.OrderStatusPending, enum.OrderStatusCancelled, Actor{UserID: owner, Role: enum.RoleCustomer}, uuid.Nil, false},
		{"customer cancels ready", enum.OrderStatusReady, enum.OrderStatusCancelled, Actor{UserID: owner, Role: enum.RoleCustomer}, owner, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkActor(tt.from, tt.to, tt.actor, tt.ref)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrForbidden) {
				t.Fatalf("err = %v, want ErrForbidden", err)
			}
		})
	}
}

func TestCheckAccess(t *testing.T) {
	owner := uuid.New()
	tests := []struct {
		name  string
		actor Actor
		ref   uuid.UUID
		ok    bool
	}{
		{"kitchen", Actor{Role: enum.RoleKitchen}, owner, true},
		{"cashier on staff order", Actor{Role: enum.RoleCashier}, uuid.Nil, true},
		{"owner", Actor{UserID: owner, Role: enum.RoleCustomer}, owner, true},
		{"stranger", Actor{UserID: uuid.New(), Role: enum.RoleCustomer}, owner, false},
		{"customer on staff order", Actor{UserID: owner, Role: enum.RoleCustomer}, uuid.Nil, false},
		{"unknown role", Actor{UserID: owner, Role: "courier"}, owner, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkAccess(tt.actor, tt.ref)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrForbidden) {
				t.Fatalf("err = %v, want ErrForbidden", err)
			}
		})
	}
}

func TestTimeRemaining(t *testing.T) {
	created := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		status string
		now    time.Time
		want   int32
	}{
		{"fresh", enum.OrderStatusPending, created, 30},
		{"partial minute", enum.OrderStatusPreparing, created.Add(10*time.Minute + 59*time.Second), 20},
		{"elapsed", enum.OrderStatusReady, created.Add(45 * time.Minute), 0},
		{"clock skew", enum.OrderStatusPending, created.Add(-5 * time.Minute), 30},
		{"completed", enum.OrderStatusCompleted, created, 0},
		{"cancelled", enum.OrderStatusCancelled, created, 0},
	}
	for _, tt := range tests {
		if got := TimeRemaining(tt.status, 30, created, tt.now); got != tt.want {
			t.Errorf("%s: TimeRemaining = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestActorIsStaff(t *testing.T) {
	if !(Actor{Role: enum.RoleKitchen}).IsStaff() {
		t.Error("kitchen should be staff")
	}
	if (Actor{Role: enum.RoleCustomer}).IsStaff() {
		t.Error("customer should not be staff")
	}
}
