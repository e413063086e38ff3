package domain

import (
	"fmt"
	"time"
)

type TableStatus string

const (
	TableStatusVacant       TableStatus = "VACANT"
	TableStatusOccupied     TableStatus = "OCCUPIED"
	TableStatusAwaitingFood TableStatus = "AWAITING_FOOD"
	TableStatusServed       TableStatus = "SERVED"
)

type Table struct {
	ID         string      `json:"id"`
	AreaID     string      `json:"area_id"`
	AreaName   string      `json:"area_name"`
	Number     int         `json:"number"`
	Capacity   int         `json:"capacity"`
	Status     TableStatus `json:"status"`
	GuestCount int         `json:"guest_count"`
	OpenedAt   *time.Time  `json:"opened_at,omitempty"`
	BillTotal  int64       `json:"bill_total"`
	Version    int         `json:"version"` // optimistic locking
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func TableID(areaID string, seq int) string {
	return fmt.Sprintf("%s-%d", areaID, seq)
}

func (t *Table) IsVacant() bool {
	return t.Status == TableStatusVacant
}

func (t *Table) Open(guestCount int, now time.Time) error {
	if !t.IsVacant() {
		return NewInvalidStateError("table", t.ID, string(t.Status), "table is already open")
	}
	if guestCount < 0 || (t.Capacity > 0 && guestCount > t.Capacity) {
		return NewValidationError("table", t.ID, fmt.Sprintf("guest count must be between 0 and %d", t.Capacity))
	}
	opened := now
	t.Status = TableStatusOccupied
	t.GuestCount = guestCount
	t.OpenedAt = &opened
	t.BillTotal = 0
	t.UpdatedAt = now
	return nil
}

func (t *Table) Close(now time.Time) {
	t.Status = TableStatusVacant
	t.GuestCount = 0
	t.OpenedAt = nil
	t.BillTotal = 0
	t.UpdatedAt = now
}

// Elapsed is how long the current seating has been open.
func (t *Table) Elapsed(now time.Time) time.Duration {
	if t.OpenedAt == nil {
		return 0
	}
	return now.Sub(*t.OpenedAt)
}

// Consistent reports whether the vacancy invariant holds.
func (t *Table) Consistent() bool {
	empty := t.GuestCount == 0 && t.OpenedAt == nil && t.BillTotal == 0
	return t.IsVacant() == empty
}

// ActiveOrders filters the orders that still count toward a seating.
func ActiveOrders(orders []Order) []Order {
	active := make([]Order, 0, len(orders))
	for _, o := range orders {
		if o.Status.IsActive() {
			active = append(active, o)
		}
	}
	return active
}

func BillTotal(orders []Order) int64 {
	var total int64
	for _, o := range orders {
		if o.Status.IsActive() {
			total += o.TotalAmount
		}
	}
	return total
}

// DeriveTableStatus maps a table's orders to the status staff should see.
// It returns VACANT when nothing is active.
func DeriveTableStatus(orders []Order) TableStatus {
	var pending, preparing, served int
	for _, o := range orders {
		switch o.Status {
		case OrderStatusPending:
			pending++
		case OrderStatusPreparing:
			preparing++
		case OrderStatusServed:
			served++
		}
	}

	switch {
	case pending+preparing+served == 0:
		return TableStatusVacant
	case pending+preparing == 0:
		return TableStatusServed
	case served > 0 || preparing > 0:
		return TableStatusAwaitingFood
	default:
		return TableStatusOccupied
	}
}

type TableStats struct {
	Total        int   `json:"total"`
	Vacant       int   `json:"vacant"`
	Occupied     int   `json:"occupied"`
	AwaitingFood int   `json:"awaiting_food"`
	Served       int   `json:"served"`
	OpenBills    int64 `json:"open_bills"`
}

func ComputeTableStats(tables []Table) TableStats {
	stats := TableStats{Total: len(tables)}
	for _, t := range tables {
		switch t.Status {
		case TableStatusVacant:
			stats.Vacant++
		case TableStatusOccupied:
			stats.Occupied++
		case TableStatusAwaitingFood:
			stats.AwaitingFood++
		case TableStatusServed:
			stats.Served++
		}
		stats.OpenBills += t.BillTotal
	}
	return stats
}

// Area describes a block of tables created at venue setup.
type Area struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TableCount int    `json:"table_count"`
}

var defaultCapacities = []int{4, 6, 2, 8, 10}

// LayoutTables expands areas into tables numbered consecutively across the venue.
func LayoutTables(areas []Area, now time.Time) []Table {
	var tables []Table
	number := 1
	for _, a := range areas {
		for i := 1; i <= a.TableCount; i++ {
			tables = append(tables, Table{
				ID:        TableID(a.ID, i),
				AreaID:    a.ID,
				AreaName:  a.Name,
				Number:    number,
				Capacity:  defaultCapacities[i%len(defaultCapacities)],
				Status:    TableStatusVacant,
				CreatedAt: now,
				UpdatedAt: now,
			})
			number++
		}
	}
	return tables
}

func DefaultAreas() []Area {
	return []Area{
		{ID: "tang1", Name: "Tầng 1", TableCount: 12},
		{ID: "tang2", Name: "Tầng 2", TableCount: 8},
		{ID: "sanvuon", Name: "Sân vườn", TableCount: 6},
		{ID: "vip", Name: "VIP", TableCount: 4},
	}
}
