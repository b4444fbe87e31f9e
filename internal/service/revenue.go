package service

import (
	"github.com/shopspring/decimal"
)

// RevenueSplit 一笔付费解锁的分账，只做记账，不产生实际打款
type RevenueSplit struct {
	Money       decimal.Decimal `json:"amount_money"`
	ArtistShare decimal.Decimal `json:"artist_share"`
	PlatformCut decimal.Decimal `json:"platform_cut"`
}

type RevenuePolicy struct {
	CreditRate  decimal.Decimal // 1 积分折合的货币金额
	ArtistShare decimal.Decimal // 艺人分成比例
}

// MoneyFor 积分折合金额，保留两位小数
func (p RevenuePolicy) MoneyFor(credits int64) decimal.Decimal {
	return decimal.NewFromInt(credits).Mul(p.CreditRate).Round(2)
}

// Split 艺人分成四舍五入到分，平台取剩余部分，两者之和恒等于总金额
func (p RevenuePolicy) Split(credits int64) RevenueSplit {
	if credits <= 0 {
		return RevenueSplit{Money: decimal.Zero, ArtistShare: decimal.Zero, PlatformCut: decimal.Zero}
	}
	money := p.MoneyFor(credits)
	artist := money.Mul(p.ArtistShare).Round(2)
	return RevenueSplit{
		Money:       money,
		ArtistShare: artist,
		PlatformCut: money.Sub(artist),
	}
}
