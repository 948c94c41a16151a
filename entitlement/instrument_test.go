package entitlement_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/warp/booking-engine/entitlement"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var purchase = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

func sessionCard(t *testing.T, total int) *entitlement.Instrument {
	t.Helper()
	inst := entitlement.New("inst-1", "member-1", entitlement.KindPersonalTraining, entitlement.BillingSession, purchase).
		WithSessions(total)
	inst.Activate(purchase)
	return inst
}

// =============================================================================
// ACTIVATION AND EXPIRY
// =============================================================================

func TestInstrument_NewIsInactive(t *testing.T) {
	// GIVEN: A freshly purchased card
	// THEN: It is inactive and not usable until activated

	inst := entitlement.New("inst-1", "member-1", entitlement.KindMembership, entitlement.BillingUnlimited, purchase)

	assert.Equal(t, entitlement.StatusInactive, inst.CurrentStatus(purchase))
	assert.False(t, inst.CanUse(purchase))

	err := inst.Use(purchase)
	require.Error(t, err)
	assert.ErrorIs(t, err, entitlement.ErrNotUsable)

	var usErr *entitlement.UsabilityError
	require.ErrorAs(t, err, &usErr)
	assert.Equal(t, "not_active", usErr.Reason)
}

func TestInstrument_ActivateFixesExpiry(t *testing.T) {
	// GIVEN: A 30-day card activated on March 1
	// THEN: It expires exactly 30 days later, not 30 days from purchase

	inst := entitlement.New("inst-1", "member-1", entitlement.KindMembership, entitlement.BillingPeriod, purchase).
		WithValidity(30)

	activation := purchase.AddDate(0, 0, 7) // first visit a week later
	inst.Activate(activation)

	require.NotNil(t, inst.ExpiresAt)
	assert.Equal(t, activation.AddDate(0, 0, 30), *inst.ExpiresAt)
	assert.True(t, inst.CanUse(activation))
}

func TestInstrument_ActivateIsNoOpWhenNotInactive(t *testing.T) {
	// GIVEN: An already active card
	// WHEN: Activate is called again later
	// THEN: The expiry date does not move

	inst := entitlement.New("inst-1", "member-1", entitlement.KindMembership, entitlement.BillingPeriod, purchase).
		WithValidity(30)
	inst.Activate(purchase)
	firstExpiry := *inst.ExpiresAt

	inst.Activate(purchase.AddDate(0, 0, 10))

	assert.Equal(t, firstExpiry, *inst.ExpiresAt)
}

func TestInstrument_PeriodCardExpiresByTime(t *testing.T) {
	// GIVEN: A 30-day period card with sessions remaining
	// WHEN: The validity period elapses
	// THEN: The card is expired regardless of remaining balance

	inst := entitlement.New("inst-1", "member-1", entitlement.KindGroupClass, entitlement.BillingPeriod, purchase).
		WithSessions(20).
		WithValidity(30)
	inst.Activate(purchase)

	dayAfter := purchase.AddDate(0, 0, 31)

	assert.Equal(t, entitlement.StatusExpired, inst.CurrentStatus(dayAfter))
	assert.False(t, inst.CanUse(dayAfter))

	err := inst.Use(dayAfter)
	var usErr *entitlement.UsabilityError
	require.ErrorAs(t, err, &usErr)
	assert.Equal(t, "expired", usErr.Reason)
}

func TestInstrument_UnlimitedNeverExpiresByUsage(t *testing.T) {
	// GIVEN: An unlimited membership with no validity period
	// WHEN: It is used many times
	// THEN: It stays active

	inst := entitlement.New("inst-1", "member-1", entitlement.KindMembership, entitlement.BillingUnlimited, purchase)
	inst.Activate(purchase)

	for i := 0; i < 100; i++ {
		require.NoError(t, inst.Use(purchase.Add(time.Duration(i)*time.Hour)))
	}

	assert.Equal(t, entitlement.StatusActive, inst.CurrentStatus(purchase.AddDate(1, 0, 0)))
	assert.Equal(t, 100, inst.Used())
}

// =============================================================================
// FREEZE / UNFREEZE
// =============================================================================

func TestInstrument_FreezeBlocksUse(t *testing.T) {
	// GIVEN: An active session card
	// WHEN: It is frozen
	// THEN: Use is rejected until unfrozen

	inst := sessionCard(t, 10)

	inst.Freeze()
	assert.Equal(t, entitlement.StatusFrozen, inst.CurrentStatus(purchase))
	assert.ErrorIs(t, inst.Use(purchase), entitlement.ErrNotUsable)

	inst.Unfreeze()
	assert.NoError(t, inst.Use(purchase))
}

func TestInstrument_RefundIsTerminal(t *testing.T) {
	// GIVEN: A refunded card
	// WHEN: Unfreeze or Activate is attempted
	// THEN: The card stays refunded

	inst := sessionCard(t, 10)
	inst.Refund()

	inst.Unfreeze()
	inst.Activate(purchase)

	assert.Equal(t, entitlement.StatusRefunded, inst.CurrentStatus(purchase))
	assert.ErrorIs(t, inst.Use(purchase), entitlement.ErrNotUsable)
}

// =============================================================================
// BALANCE OPERATIONS
// =============================================================================

func TestInstrument_UseDebitsOneSession(t *testing.T) {
	// GIVEN: A 10-session card
	// WHEN: One session is used
	// THEN: 9 remain

	inst := sessionCard(t, 10)

	require.NoError(t, inst.Use(purchase))

	remaining, bounded := inst.Remaining()
	assert.True(t, bounded)
	assert.Equal(t, 9, remaining)
}

func TestInstrument_LastSessionAutoExpires(t *testing.T) {
	// GIVEN: A session card with one session left
	// WHEN: That session is used
	// THEN: The card auto-expires and further use is rejected

	inst := sessionCard(t, 1)

	require.NoError(t, inst.Use(purchase))
	assert.Equal(t, entitlement.StatusExpired, inst.CurrentStatus(purchase))

	err := inst.Use(purchase)
	require.Error(t, err)
	assert.ErrorIs(t, err, entitlement.ErrNotUsable)
}

func TestInstrument_CreditBackRestoresAutoExpiry(t *testing.T) {
	// GIVEN: A session card expired by using its last session
	// WHEN: That debit is credited back
	// THEN: The card is active again with one session remaining

	inst := sessionCard(t, 1)
	require.NoError(t, inst.Use(purchase))
	require.Equal(t, entitlement.StatusExpired, inst.CurrentStatus(purchase))

	require.NoError(t, inst.CreditBack(purchase.Add(time.Hour)))

	assert.Equal(t, entitlement.StatusActive, inst.CurrentStatus(purchase.Add(time.Hour)))
	remaining, _ := inst.Remaining()
	assert.Equal(t, 1, remaining)
}

func TestInstrument_CreditBackDoesNotRestorePastValidity(t *testing.T) {
	// GIVEN: A session card with validity, expired by exhausting its balance
	// WHEN: The debit is credited back after the validity period elapsed
	// THEN: The balance is restored but the card stays expired

	inst := entitlement.New("inst-1", "member-1", entitlement.KindGroupClass, entitlement.BillingSession, purchase).
		WithSessions(1).
		WithValidity(30)
	inst.Activate(purchase)
	require.NoError(t, inst.Use(purchase))

	afterValidity := purchase.AddDate(0, 0, 31)
	require.NoError(t, inst.CreditBack(afterValidity))

	assert.Equal(t, entitlement.StatusExpired, inst.CurrentStatus(afterValidity))
	remaining, _ := inst.Remaining()
	assert.Equal(t, 1, remaining)
}

func TestInstrument_CreditBackFloorsAtZero(t *testing.T) {
	// GIVEN: A card that was never used
	// WHEN: A credit is attempted
	// THEN: ErrNoUsageToRefund, and the counter does not go negative

	inst := sessionCard(t, 10)

	err := inst.CreditBack(purchase)

	assert.ErrorIs(t, err, entitlement.ErrNoUsageToRefund)
	assert.Equal(t, 0, inst.Used())
}

func TestInstrument_DoubleCreditRejected(t *testing.T) {
	// GIVEN: One debit, already credited back
	// WHEN: A second credit is attempted
	// THEN: It is rejected

	inst := sessionCard(t, 10)
	require.NoError(t, inst.Use(purchase))
	require.NoError(t, inst.CreditBack(purchase))

	assert.ErrorIs(t, inst.CreditBack(purchase), entitlement.ErrNoUsageToRefund)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestInstrument_ConcurrentUse_NoDoubleSpend(t *testing.T) {
	// GIVEN: A card with one remaining session
	// WHEN: 50 goroutines race to use it
	// THEN: Exactly one succeeds

	inst := sessionCard(t, 1)
	now := purchase.Add(time.Minute)

	var wg sync.WaitGroup
	successes := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if inst.Use(now) == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	assert.Equal(t, 1, len(successes), "exactly one debit should win")
	assert.Equal(t, 1, inst.Used())
}

// =============================================================================
// PROPERTY: BALANCE COUNTERS STAY IN BOUNDS
// =============================================================================

func TestInstrument_UsageBounds(t *testing.T) {
	// Under any interleaving of Use and CreditBack,
	// 0 <= UsedSessions <= TotalSessions always holds.

	rapid.Check(t, func(t *rapid.T) {
		total := rapid.IntRange(1, 20).Draw(t, "total")
		inst := entitlement.New("inst-p", "member-p", entitlement.KindGroupClass, entitlement.BillingSession, purchase).
			WithSessions(total)
		inst.Activate(purchase)

		steps := rapid.IntRange(1, 100).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			now := purchase.Add(time.Duration(i) * time.Minute)
			if rapid.Bool().Draw(t, "use") {
				err := inst.Use(now)
				if err != nil && !errors.Is(err, entitlement.ErrNotUsable) {
					t.Fatalf("unexpected use error: %v", err)
				}
			} else {
				err := inst.CreditBack(now)
				if err != nil && !errors.Is(err, entitlement.ErrNoUsageToRefund) {
					t.Fatalf("unexpected credit error: %v", err)
				}
			}

			used := inst.Used()
			if used < 0 || used > total {
				t.Fatalf("usage %d out of bounds [0,%d]", used, total)
			}
		}
	})
}
