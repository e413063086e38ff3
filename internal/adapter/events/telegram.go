package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts the events floor staff care about to a group chat.
// Other events are ignored.
type TelegramNotifier struct {
	bot    messageSender
	chatID int64
}

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) Publish(ctx context.Context, event domain.Event) error {
	text := formatEvent(event)
	if text == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
		return fmt.Errorf("telegram send %s: %w", event.Type, err)
	}
	return nil
}

func formatEvent(e domain.Event) string {
	switch e.Type {
	case domain.EventOrderCreated:
		return fmt.Sprintf("🧾 Đơn mới tại bàn %s", e.TableID)
	case domain.EventOrderStatusChanged:
		if e.Status == string(domain.OrderStatusServed) {
			return fmt.Sprintf("🍜 Bàn %s đã lên đủ món", e.TableID)
		}
		if e.Status == string(domain.OrderStatusCancelled) {
			return fmt.Sprintf("❌ Đơn %s tại bàn %s đã huỷ", e.OrderID, e.TableID)
		}
	case domain.EventPaymentRequested:
		return fmt.Sprintf("💳 Bàn %s yêu cầu thanh toán %s", e.TableID, FormatVND(e.Amount))
	case domain.EventPaymentPaid:
		return fmt.Sprintf("✅ Bàn %s đã thanh toán %s", e.TableID, FormatVND(e.Amount))
	case domain.EventTableClosed:
		return fmt.Sprintf("🧹 Bàn %s đã trống", e.TableID)
	}
	return ""
}

// FormatVND renders an amount with dot thousands separators, e.g. 150.000đ.
func FormatVND(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)

	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(d)
	}
	return sign + b.String() + "đ"
}

var _ port.EventPublisher = (*TelegramNotifier)(nil)
