// Package fees реализует расчёт комиссии платформы и доли исполнителя.
// Все вычисления выполняются в целочисленных минорных единицах валюты,
// без плавающей точки: одинаковые входы всегда дают одинаковый результат.
package fees

import "fmt"

// Schedule описывает версионированный набор ставок. Версия, по которой
// рассчитан заказ, сохраняется на заказе: изменение ставок не должно
// задним числом менять уже рассчитанные выплаты.
type Schedule struct {
	Version int
	// FeeRatePermille — суммарная комиссия платформы в промилле от базы.
	FeeRatePermille int64
	// SharePercent / VIPSharePercent — доля исполнителя в процентах после комиссии.
	SharePercent    int64
	VIPSharePercent int64
}

// CurrentSchedule — действующая версия ставок: 15% GST + 8.9% прочих сборов,
// доля исполнителя 70% (80% для VIP).
var CurrentSchedule = Schedule{
	Version:         1,
	FeeRatePermille: 239,
	SharePercent:    70,
	VIPSharePercent: 80,
}

// ScheduleByVersion возвращает набор ставок по сохранённой версии.
func ScheduleByVersion(version int) (Schedule, error) {
	if version == CurrentSchedule.Version {
		return CurrentSchedule, nil
	}
	return Schedule{}, fmt.Errorf("unknown fee schedule version: %d", version)
}

// Payout содержит результат расчёта выплат по заказу.
type Payout struct {
	PlatformFee     int64
	CelebrityAmount int64
	NetPayout       int64
}

// Compute рассчитывает комиссию платформы, долю исполнителя и итоговую
// выплату. Чаевые комиссией не облагаются и прибавляются к выплате целиком.
func (s Schedule) Compute(grossAmount, totalSucceededTips int64, celebrityVIP bool) Payout {
	baseAmount := grossAmount - totalSucceededTips
	if baseAmount < 0 {
		baseAmount = 0
	}

	platformFee := roundHalfUp(baseAmount*s.FeeRatePermille, 1000)

	amountAfterFees := baseAmount - platformFee
	if amountAfterFees < 0 {
		amountAfterFees = 0
	}

	share := s.SharePercent
	if celebrityVIP {
		share = s.VIPSharePercent
	}
	celebrityAmount := roundHalfUp(amountAfterFees*share, 100)

	return Payout{
		PlatformFee:     platformFee,
		CelebrityAmount: celebrityAmount,
		NetPayout:       celebrityAmount + totalSucceededTips,
	}
}

// roundHalfUp делит неотрицательное значение с округлением половины вверх.
func roundHalfUp(value, divisor int64) int64 {
	return (value + divisor/2) / divisor
}
