package session

// NicheHashtags seeds the recommendation algorithm per niche before
// engagement sessions. Keyed by niche slug.
var NicheHashtags = map[string][]string{
	"personal_finance": {
		"personalfinance", "budgeting", "savingmoney", "investing",
		"financetips", "moneytips", "debtfree", "sidehustle",
	},
	"ai_storytelling": {
		"aiart", "aistorytelling", "darkstories", "creepystories",
		"aifilm", "generativeart",
	},
	"tech_ai_tools": {
		"aitools", "techtools", "productivity", "chatgpt",
		"artificial_intelligence", "techreview",
	},
}
