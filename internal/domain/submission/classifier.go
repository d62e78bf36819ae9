package submission

import "strings"

// Category buckets a drug selection into a product line.
type Category string

const (
	CategoryWeightLoss      Category = "weight-loss"
	CategoryHairRestoration Category = "hair-restoration"
	CategorySexualHealth    Category = "sexual-health"
	CategoryLongevity       Category = "longevity"
)

// CatalogEntry is the product metadata attached to a category.
type CatalogEntry struct {
	Category     Category `json:"category"`
	DisplayName  string   `json:"display_name"`
	Products     []string `json:"products"`
	MonthlyCents int64    `json:"monthly_cents"`
	StripePrice  string   `json:"stripe_price"`
}

var catalog = map[Category]CatalogEntry{
	CategoryWeightLoss: {
		Category:     CategoryWeightLoss,
		DisplayName:  "Medical Weight Loss",
		Products:     []string{"semaglutide-injection", "tirzepatide-injection", "semaglutide-oral"},
		MonthlyCents: 29900,
		StripePrice:  "price_weight_loss_monthly",
	},
	CategoryHairRestoration: {
		Category:     CategoryHairRestoration,
		DisplayName:  "Hair Restoration",
		Products:     []string{"finasteride-capsules", "minoxidil-oral", "finasteride-minoxidil-spray"},
		MonthlyCents: 4900,
		StripePrice:  "price_hair_monthly",
	},
	CategorySexualHealth: {
		Category:     CategorySexualHealth,
		DisplayName:  "Sexual Health",
		Products:     []string{"sildenafil-tablets", "tadalafil-tablets"},
		MonthlyCents: 5900,
		StripePrice:  "price_sexual_health_monthly",
	},
	CategoryLongevity: {
		Category:     CategoryLongevity,
		DisplayName:  "Longevity",
		Products:     []string{"sermorelin-injection", "nad-injection", "glutathione-injection"},
		MonthlyCents: 19900,
		StripePrice:  "price_longevity_monthly",
	},
}

// Checked in order; the first category with a matching keyword wins.
var keywordRules = []struct {
	category Category
	keywords []string
}{
	{CategoryHairRestoration, []string{"finasteride", "minoxidil", "dutasteride", "hair"}},
	{CategorySexualHealth, []string{"sildenafil", "tadalafil", "vardenafil", "viagra", "cialis", "sexual"}},
	{CategoryLongevity, []string{"sermorelin", "nad+", "nad-", "glutathione", "rapamycin", "longevity"}},
	{CategoryWeightLoss, []string{"semaglutide", "tirzepatide", "ozempic", "wegovy", "mounjaro", "zepbound", "glp", "weight"}},
}

// Classify maps a free-text drug selection to a category. Anything that
// matches no keyword is treated as weight loss.
func Classify(selection string) Category {
	s := strings.ToLower(strings.TrimSpace(selection))
	if s == "" {
		return CategoryWeightLoss
	}
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(s, kw) {
				return rule.category
			}
		}
	}
	return CategoryWeightLoss
}

// Catalog returns the catalog entry for c, falling back to weight loss.
func Catalog(c Category) CatalogEntry {
	if e, ok := catalog[c]; ok {
		return e
	}
	return catalog[CategoryWeightLoss]
}

// Categories lists every category in a stable order.
func Categories() []Category {
	return []Category{CategoryWeightLoss, CategoryHairRestoration, CategorySexualHealth, CategoryLongevity}
}
