package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/smart-order/internal/core/domain"
)

func TestOpenTable_OnlyFromVacant(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	table, err := env.tables.openTable(ctx, "T1", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.TableStatusOccupied, table.Status)

	_, err = env.tables.openTable(ctx, "T1", 2)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, string(domain.TableStatusOccupied), de.State)
	assert.Equal(t, 3, env.table("T1").GuestCount)

	_, err = env.tables.openTable(ctx, "missing", 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCloseTable_RefusesWithOpenOrders(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	_, err := env.orders.CreateOrder(ctx, "T1", 2)
	require.NoError(t, err)

	_, err = env.tables.CloseTable(ctx, "T1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.TableStatusOccupied, env.table("T1").Status)
}

func TestCloseTable_VacantIsNoop(t *testing.T) {
	env := newTestEnv()
	before := env.table("T2")

	table, err := env.tables.CloseTable(context.Background(), "T2")
	require.NoError(t, err)
	assert.Equal(t, before.Version, table.Version)
	assert.Equal(t, 0, env.events.count(domain.EventTableClosed))
}

func TestOnOrderTotalChanged_SumsActiveOrders(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	first, err := env.orders.CreateOrder(ctx, "T1", 2)
	require.NoError(t, err)
	second, err := env.orders.CreateOrder(ctx, "T1", 2)
	require.NoError(t, err)
	_, err = env.orders.AddItem(ctx, first.ID, "bun-cha", 1, "")
	require.NoError(t, err)
	_, err = env.orders.AddItem(ctx, second.ID, "nem-ran", 2, "")
	require.NoError(t, err)

	assert.Equal(t, int64(110000), env.table("T1").BillTotal)

	table, err := env.tables.OnOrderTotalChanged(ctx, "T1", "not-yet-visible", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(115000), table.BillTotal)
}

func TestReconcile_RepairsDrift(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order, err := env.orders.CreateOrder(ctx, "T1", 2)
	require.NoError(t, err)
	_, err = env.orders.AddItem(ctx, order.ID, "pho-bo", 1, "")
	require.NoError(t, err)

	drifted := env.table("T1")
	drifted.BillTotal = 1
	drifted.Status = domain.TableStatusServed
	require.NoError(t, env.store.UpdateTable(ctx, &drifted))

	table, err := env.tables.Reconcile(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(70000), table.BillTotal)
	assert.Equal(t, domain.TableStatusOccupied, table.Status)
}

func TestReconcile_ClosesTableWithoutOrders(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	stuck := env.table("T2")
	opened := time.Now()
	stuck.Status = domain.TableStatusAwaitingFood
	stuck.GuestCount = 3
	stuck.OpenedAt = &opened
	stuck.BillTotal = 40000
	require.NoError(t, env.store.UpdateTable(ctx, &stuck))

	table, err := env.tables.Reconcile(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, domain.TableStatusVacant, table.Status)
	assert.True(t, table.Consistent())
}

func TestReconcile_ConsistentTableIsUntouched(t *testing.T) {
	env := newTestEnv()
	before := env.table("T1")

	table, err := env.tables.Reconcile(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, table.Version)
}

func TestSetupTables_Idempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	areas := []domain.Area{{ID: "vip", Name: "VIP", TableCount: 3}}

	created, err := env.tables.SetupTables(ctx, areas)
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	created, err = env.tables.SetupTables(ctx, areas)
	require.NoError(t, err)
	assert.Zero(t, created)

	vip, err := env.tables.ListTables(ctx, "vip")
	require.NoError(t, err)
	assert.Len(t, vip, 3)
}

func TestStats(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order, err := env.orders.CreateOrder(ctx, "T1", 2)
	require.NoError(t, err)
	_, err = env.orders.AddItem(ctx, order.ID, "pho-bo", 1, "")
	require.NoError(t, err)

	stats, err := env.tables.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Vacant)
	assert.Equal(t, 1, stats.Occupied)
	assert.Equal(t, int64(70000), stats.OpenBills)
}
