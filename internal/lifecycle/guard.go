package lifecycle

import (
	"fmt"

	"github.com/mmeshcher/starcall-system/internal/model"
)

// CanDecline проверяет допустимость отклонения видео. Проверки выполняются
// по порядку, возвращается первая нарушенная; состояние заказа не меняется.
func CanDecline(o model.Order) error {
	if o.Approval != model.ApprovalPending {
		return fmt.Errorf("%w: approval status is %s", ErrInvalidState, o.Approval)
	}
	if o.VideoURL == nil {
		return ErrMissingVideo
	}
	if o.RevisionCount >= o.MaxRevisions {
		return fmt.Errorf("%w: %d of %d revisions used",
			ErrRevisionLimitExceeded, o.RevisionCount, o.MaxRevisions)
	}
	return nil
}
