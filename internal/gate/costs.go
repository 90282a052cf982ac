// costs.go — прейскурант платных команд в монетах.
package gate

// Стоимость команд. Ноль — команда бесплатная, но всё равно проходит
// через конвейер (валидация, учёт квоты).
var commandCosts = map[string]int64{
	"analyze":      2,
	"requirements": 2,
	"compare":      5,
	"search":       1,
	"niche":        3,
	"scrape":       0,
	"rules":        1,
	"flairs":       1,
	"discover":     10,
	"user":         2,
}

// CostFor возвращает стоимость команды в монетах.
func CostFor(command string) (int64, bool) {
	cost, ok := commandCosts[command]
	return cost, ok
}

// Тарифная сетка AI-воссоздания по количеству постов.
var aiRecreationTiers = []struct {
	maxPosts int
	cost     int64
}{
	{10, 2},
	{20, 4},
	{30, 6},
	{40, 8},
	{50, 10},
}

// AIRecreationCost возвращает стоимость AI-воссоздания для заданного числа
// постов. Свыше 50 постов — 10 монет плюс 2 за каждый дополнительный десяток.
func AIRecreationCost(postCount int) int64 {
	for _, tier := range aiRecreationTiers {
		if postCount <= tier.maxPosts {
			return tier.cost
		}
	}
	return 10 + int64((postCount-50)/10)*2
}
