// Package catalog holds the static plan configuration. Plans are not persisted per order.
package catalog

import "sort"

// Family определяет форму учётных данных и настроек инбаунда.
type Family string

const (
	FamilyA Family = "v2ray"
	FamilyB Family = "wireguard"
)

func (f Family) Valid() bool {
	return f == FamilyA || f == FamilyB
}

func (f Family) Title() string {
	switch f {
	case FamilyA:
		return "V2Ray"
	case FamilyB:
		return "WireGuard"
	}
	return string(f)
}

// Plan описывает тариф. Цена в томанах.
type Plan struct {
	Key     string
	Label   string
	Price   int64
	Days    int
	LimitGB float64
	Family  Family
}

// LimitBytes переводит лимит трафика из GiB в байты.
func (p Plan) LimitBytes() int64 {
	return int64(p.LimitGB * 1024 * 1024 * 1024)
}

// IsReward сообщает, что тариф выдаётся только как реферальная награда.
func (p Plan) IsReward() bool {
	return p.Price == 0
}

const RewardPlanKey = "reward_plan"

var familyA = map[string]Plan{
	"plan_a":      {Label: "Plan A - 20GB", Price: 100000, Days: 30, LimitGB: 20},
	"plan_b":      {Label: "Plan B - 50GB", Price: 200000, Days: 30, LimitGB: 50},
	"plan_c":      {Label: "Plan C - 100GB", Price: 350000, Days: 30, LimitGB: 100},
	RewardPlanKey: {Label: "Reward Plan (Gift)", Price: 0, Days: 30, LimitGB: 10},
}

var familyB = map[string]Plan{
	"wg_plan_a": {Label: "WireGuard Plan - 30GB", Price: 120000, Days: 30, LimitGB: 30},
}

// TrialPlan возвращает тестовую подписку на сутки.
func TrialPlan(f Family) Plan {
	return Plan{Key: "trial", Label: "Тест", Days: 1, LimitGB: 0.5, Family: f}
}

// GetPlan ищет тариф по ключу в обоих каталогах.
func GetPlan(key string) (Plan, bool) {
	if key == "" {
		return Plan{}, false
	}
	if p, ok := familyA[key]; ok {
		p.Key, p.Family = key, FamilyA
		return p, true
	}
	if p, ok := familyB[key]; ok {
		p.Key, p.Family = key, FamilyB
		return p, true
	}
	return Plan{}, false
}

// RewardPlan возвращает подарочный тариф.
func RewardPlan() Plan {
	p, _ := GetPlan(RewardPlanKey)
	return p
}

// Purchasable возвращает тарифы семейства, доступные для покупки, по возрастанию цены.
func Purchasable(f Family) []Plan {
	return collect(f, false)
}

// All возвращает все тарифы обоих семейств, включая подарочный (для массового создания).
func All() []Plan {
	return append(collect(FamilyA, true), collect(FamilyB, true)...)
}

func collect(f Family, withReward bool) []Plan {
	src := familyA
	if f == FamilyB {
		src = familyB
	}
	plans := make([]Plan, 0, len(src))
	for key := range src {
		p, _ := GetPlan(key)
		if p.IsReward() && !withReward {
			continue
		}
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].Price == plans[j].Price {
			return plans[i].Key < plans[j].Key
		}
		return plans[i].Price < plans[j].Price
	})
	return plans
}
