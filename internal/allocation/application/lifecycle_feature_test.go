package application_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/dmehra2102/lot-allocation/internal/allocation/application"
	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
	"github.com/dmehra2102/lot-allocation/internal/allocation/infrastructure/memory"
)

type lifecycleContext struct {
	store       *memory.Store
	svc         *application.Service
	reservation domain.Reservation
	commit      application.CommitResult
	err         error
}

func (c *lifecycleContext) reset() {
	c.store = memory.NewStore()
	c.svc = newService(c.store, application.Config{LockTimeout: time.Second})
	c.reservation = domain.Reservation{}
	c.commit = application.CommitResult{}
	c.err = nil
}

func (c *lifecycleContext) aLot(id, product, warehouse string, available int, expires string) error {
	exp, err := time.Parse(time.DateOnly, expires)
	if err != nil {
		return err
	}
	return c.store.AddLot(domain.Lot{
		ID:                id,
		ProductID:         product,
		WarehouseID:       warehouse,
		ReceivedAt:        time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:         &exp,
		TotalQuantity:     q(int64(available)),
		AvailableQuantity: q(int64(available)),
		Status:            domain.LotActive,
	})
}

func (c *lifecycleContext) iCommit(n int, product, warehouse, line, policy string) error {
	p, err := domain.ParsePolicy(policy)
	if err != nil {
		return err
	}
	d := domain.Demand{OrderLineID: line, ProductID: product, WarehouseID: warehouse, Quantity: q(int64(n))}
	c.commit, c.err = c.svc.Commit(context.Background(), d, p, domain.LockForUpdate)
	return c.err
}

func (c *lifecycleContext) theCommitReserved(a int, lotA string, b int, lotB string) error {
	rs := c.commit.Reservations
	if len(rs) != 2 {
		return fmt.Errorf("expected 2 reservations, got %d", len(rs))
	}
	if rs[0].LotID != lotA || !rs[0].Quantity.Equal(q(int64(a))) {
		return fmt.Errorf("first reservation is %s from %s", rs[0].Quantity, rs[0].LotID)
	}
	if rs[1].LotID != lotB || !rs[1].Quantity.Equal(q(int64(b))) {
		return fmt.Errorf("second reservation is %s from %s", rs[1].Quantity, rs[1].LotID)
	}
	return nil
}

func (c *lifecycleContext) theShortfallIs(n int) error {
	if !c.commit.Shortfall.Equal(q(int64(n))) {
		return fmt.Errorf("expected shortfall %d, got %s", n, c.commit.Shortfall)
	}
	return nil
}

func (c *lifecycleContext) iManuallyAllocate(n int, lot, line string) error {
	c.reservation, c.err = c.svc.AllocateManual(context.Background(), lot, line, q(int64(n)))
	return c.err
}

func (c *lifecycleContext) iCancelTheReservation() error {
	c.apply(c.svc.Cancel)
	return nil
}

func (c *lifecycleContext) iSoftConfirmTheReservation() error {
	c.apply(c.svc.SoftConfirm)
	return c.err
}

func (c *lifecycleContext) iHardConfirmTheReservation() error {
	c.apply(c.svc.HardConfirm)
	return c.err
}

func (c *lifecycleContext) apply(fn func(context.Context, string) (domain.Reservation, error)) {
	r, err := fn(context.Background(), c.reservation.ID)
	c.err = err
	if err == nil {
		c.reservation = r
	}
}

func (c *lifecycleContext) theReservationIs(state string) error {
	if string(c.reservation.State) != state {
		return fmt.Errorf("expected state %s, got %s", state, c.reservation.State)
	}
	return nil
}

func (c *lifecycleContext) theTransitionIsRejected() error {
	if !errors.Is(c.err, domain.ErrInvalidStateTransition) {
		return fmt.Errorf("expected invalid state transition, got %v", c.err)
	}
	return nil
}

func (c *lifecycleContext) noErrorWasReturned() error {
	return c.err
}

func (c *lifecycleContext) lotHasAvailable(id string, n int) error {
	l, ok := c.store.Lot(id)
	if !ok {
		return fmt.Errorf("lot %s not found", id)
	}
	if !l.AvailableQuantity.Equal(q(int64(n))) {
		return fmt.Errorf("lot %s has %s available, expected %d", id, l.AvailableQuantity, n)
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &lifecycleContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tc.reset()
		return ctx, nil
	})

	ctx.Step(`^a lot "([^"]*)" of product "([^"]*)" at warehouse "([^"]*)" with (\d+) available expiring "([^"]*)"$`, tc.aLot)
	ctx.Step(`^I commit (\d+) of product "([^"]*)" at warehouse "([^"]*)" for order line "([^"]*)" using "([^"]*)"$`, tc.iCommit)
	ctx.Step(`^the commit reserved (\d+) from lot "([^"]*)" and (\d+) from lot "([^"]*)"$`, tc.theCommitReserved)
	ctx.Step(`^the shortfall is (\d+)$`, tc.theShortfallIs)
	ctx.Step(`^I manually allocate (\d+) from lot "([^"]*)" to order line "([^"]*)"$`, tc.iManuallyAllocate)
	ctx.Step(`^I cancel the reservation$`, tc.iCancelTheReservation)
	ctx.Step(`^I soft confirm the reservation$`, tc.iSoftConfirmTheReservation)
	ctx.Step(`^I hard confirm the reservation$`, tc.iHardConfirmTheReservation)
	ctx.Step(`^the reservation is "([^"]*)"$`, tc.theReservationIs)
	ctx.Step(`^the transition is rejected$`, tc.theTransitionIsRejected)
	ctx.Step(`^no error was returned$`, tc.noErrorWasReturned)
	ctx.Step(`^lot "([^"]*)" has (\d+) available$`, tc.lotHasAvailable)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"../../../features/reservation_lifecycle.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
