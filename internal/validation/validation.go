// Package validation содержит функции валидации входных данных движка.
package validation

import "unicode"

const (
	// MaxDeclineReasonLen — предельная длина причины отклонения видео.
	MaxDeclineReasonLen = 500
	// MaxTipMessageLen — предельная длина сообщения к чаевым.
	MaxTipMessageLen = 200
)

// IsValidOrderNumber проверяет корректность номера заказа: префикс "SC-"
// и числовая часть, проходящая проверку по алгоритму Луна.
func IsValidOrderNumber(number string) bool {
	if len(number) < 4 || number[:3] != "SC-" {
		return false
	}
	return luhnValid(number[3:])
}

func luhnValid(digits string) bool {
	if digits == "" {
		return false
	}

	sum := 0
	double := false

	for i := len(digits) - 1; i >= 0; i-- {
		ch := rune(digits[i])
		if !unicode.IsDigit(ch) {
			return false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum%10 == 0
}

// IsValidDeclineReason проверяет причину отклонения: непустая, не длиннее 500 символов.
func IsValidDeclineReason(reason string) bool {
	return len(reason) >= 1 && len(reason) <= MaxDeclineReasonLen
}

// IsValidTipMessage проверяет сообщение к чаевым; пустое сообщение допустимо.
func IsValidTipMessage(message string) bool {
	return len(message) <= MaxTipMessageLen
}

// IsValidTipAmount проверяет сумму чаевых в минорных единицах.
func IsValidTipAmount(amount int64) bool {
	return amount > 0
}
