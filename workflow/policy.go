package workflow

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// Policy 采购流程的时间策略, 构造服务的时候注入, 不在流转逻辑里面写死
type Policy struct {
	ReservationWindow       time.Duration `validate:"gt=0"`                             // 预留有效期, 超过后由过期扫描取消
	ReservationReminderLead time.Duration `validate:"gte=0,ltfield=ReservationWindow"` // 预留到期前多久提醒
	ContractCeiling         time.Duration `validate:"gt=0"`                             // 签字报价单之后合同的最长期限
	ContractReminderLead    time.Duration `validate:"gte=0,ltfield=ContractCeiling"`    // 合同期限前多久提醒
}

func DefaultPolicy() Policy {
	return Policy{
		ReservationWindow:       60 * day,
		ReservationReminderLead: 5 * day,
		ContractCeiling:         110 * day,
		ContractReminderLead:    15 * day,
	}
}

func (p Policy) ReservationDeadline(reservedAt time.Time) time.Time {
	return reservedAt.Add(p.ReservationWindow)
}

func (p Policy) ReservationReminderDate(reservedAt time.Time) time.Time {
	return reservedAt.Add(p.ReservationWindow - p.ReservationReminderLead)
}

// ContractReminderDate 签字报价单上传时间 + (合同期限 - 提前量)
func (p Policy) ContractReminderDate(signedAt time.Time) time.Time {
	return signedAt.Add(p.ContractCeiling - p.ContractReminderLead)
}

func (p Policy) ExpirationReason() string {
	return fmt.Sprintf("automatic expiration (%d-day reservation window)", int64(p.ReservationWindow/day))
}
