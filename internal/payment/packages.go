// Package payment согласует внешние платёжные события с журналом счетов
// и описывает каталог пакетов монет.
package payment

// Package описывает пакет монет, доступный к покупке.
type Package struct {
	Key         string
	Name        string
	Coins       int64
	Bonus       int64
	PriceCents  int64
	Description string
}

// TotalCoins возвращает количество монет с учётом бонуса.
func (p Package) TotalCoins() int64 {
	return p.Coins + p.Bonus
}

// Каталог пакетов. Порядок — по возрастанию цены.
var packages = []Package{
	{Key: "starter", Name: "Starter Pack", Coins: 20, Bonus: 0, PriceCents: 999, Description: "20 coins - Perfect for trying out"},
	{Key: "basic", Name: "Basic Pack", Coins: 50, Bonus: 5, PriceCents: 1999, Description: "50 coins + 5 bonus coins"},
	{Key: "pro", Name: "Pro Pack", Coins: 100, Bonus: 10, PriceCents: 3499, Description: "100 coins + 10 bonus coins"},
	{Key: "premium", Name: "Premium Pack", Coins: 250, Bonus: 15, PriceCents: 7999, Description: "250 coins + 15 bonus coins"},
	{Key: "ultimate", Name: "Ultimate Pack", Coins: 500, Bonus: 20, PriceCents: 13999, Description: "500 coins + 20 bonus coins - Best value!"},
}

// Catalog возвращает все доступные пакеты монет.
func Catalog() []Package {
	res := make([]Package, len(packages))
	copy(res, packages)
	return res
}

// PackageByKey возвращает пакет по ключу.
func PackageByKey(key string) (Package, bool) {
	for _, p := range packages {
		if p.Key == key {
			return p, true
		}
	}
	return Package{}, false
}
