package service

import (
	"context"
	"time"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

type RevenueReport struct {
	Period            string         `json:"period,omitempty"`
	From              time.Time      `json:"from"`
	To                time.Time      `json:"to"`
	Revenue           int64          `json:"revenue"`
	OrderCount        int            `json:"order_count"`
	AverageOrderValue int64          `json:"average_order_value"`
	Orders            []domain.Order `json:"orders"`
}

type ReportService struct {
	orders port.OrderRepository
	now    func() time.Time
}

func NewReportService(orders port.OrderRepository) *ReportService {
	return &ReportService{orders: orders, now: time.Now}
}

// RevenueByRange sums completed orders whose completion falls in [from, to].
func (s *ReportService) RevenueByRange(ctx context.Context, from, to time.Time) (*RevenueReport, error) {
	if to.Before(from) {
		return nil, domain.NewValidationError("report", "", "range end is before its start")
	}
	orders, err := s.orders.ListCompletedOrders(ctx, from, to)
	if err != nil {
		return nil, wrapStore("list completed orders", err)
	}

	r := &RevenueReport{From: from, To: to, Orders: orders, OrderCount: len(orders)}
	for _, o := range orders {
		r.Revenue += o.TotalAmount
	}
	if r.OrderCount > 0 {
		r.AverageOrderValue = r.Revenue / int64(r.OrderCount)
	}
	return r, nil
}

func (s *ReportService) RevenueForPeriod(ctx context.Context, period string) (*RevenueReport, error) {
	from, to, err := PeriodRange(period, s.now())
	if err != nil {
		return nil, err
	}
	r, err := s.RevenueByRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	r.Period = period
	return r, nil
}

// PeriodRange resolves today, week (Monday to Sunday), month, 7days and 30days
// to a closed range in now's location. An empty period means today.
func PeriodRange(period string, now time.Time) (time.Time, time.Time, error) {
	day := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
	endOf := func(t time.Time) time.Time {
		return day(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	today := day(now)

	switch period {
	case "", "today":
		return today, endOf(now), nil
	case "week":
		offset := (int(now.Weekday()) + 6) % 7
		start := today.AddDate(0, 0, -offset)
		return start, endOf(start.AddDate(0, 0, 6)), nil
	case "month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return start, start.AddDate(0, 1, 0).Add(-time.Nanosecond), nil
	case "7days":
		return today.AddDate(0, 0, -7), endOf(now), nil
	case "30days":
		return today.AddDate(0, 0, -30), endOf(now), nil
	}
	return time.Time{}, time.Time{}, domain.NewValidationError("report", period, "unknown period")
}
