package service

import (
	"time"

	"havenledger/internal/model"
)

// FreeSlotPolicy 每周免费名额
//
// 一周从周一 00:00（配置时区）开始。账户记录的是最近一次使用免费名额的时间，
// 如果它早于本周一，本周已用数量视为 0，不需要额外的重置任务。
type FreeSlotPolicy struct {
	PerWeek  int
	Location *time.Location
}

// FreeSlotStatus 账户当前的免费名额情况
type FreeSlotStatus struct {
	PerWeek      int       `json:"per_week"`
	UsedThisWeek int       `json:"used_this_week"`
	Available    bool      `json:"available"`
	WeekStart    time.Time `json:"week_start"`
	NextResetAt  time.Time `json:"next_reset_at"`
}

// WeekStart 返回 t 所在周的周一零点
func WeekStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	// Go 的 Weekday 周日为 0，换算成距周一的天数
	offset := (int(local.Weekday()) + 6) % 7
	year, month, day := local.Date()
	return time.Date(year, month, day-offset, 0, 0, 0, 0, loc)
}

// UsedThisWeek 本周已用的免费名额
func (p FreeSlotPolicy) UsedThisWeek(account *model.Account, now time.Time) int {
	if account.FreeSlotResetAt == nil {
		return 0
	}
	if account.FreeSlotResetAt.Before(WeekStart(now, p.Location)) {
		return 0
	}
	return account.FreeSlotsUsed
}

func (p FreeSlotPolicy) CanUse(account *model.Account, now time.Time) bool {
	return p.UsedThisWeek(account, now) < p.PerWeek
}

// NextReset 下一个周一零点
func (p FreeSlotPolicy) NextReset(now time.Time) time.Time {
	start := WeekStart(now, p.Location)
	return time.Date(start.Year(), start.Month(), start.Day()+7, 0, 0, 0, 0, start.Location())
}

func (p FreeSlotPolicy) Status(account *model.Account, now time.Time) FreeSlotStatus {
	used := p.UsedThisWeek(account, now)
	return FreeSlotStatus{
		PerWeek:      p.PerWeek,
		UsedThisWeek: used,
		Available:    used < p.PerWeek,
		WeekStart:    WeekStart(now, p.Location),
		NextResetAt:  p.NextReset(now),
	}
}
