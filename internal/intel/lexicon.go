package intel

// Scam-trigger lexicons keyed by language, word → severity weight. The weights
// feed the threat score; the words double as Keyword entities.
var lexicons = map[string]map[string]float64{
	"en": {
		"otp":            0.50,
		"password":       0.60,
		"pin":            0.45,
		"cvv":            0.55,
		"card number":    0.50,
		"credit card":    0.50,
		"debit card":     0.50,
		"account number": 0.40,
		"urgent":         0.25,
		"immediately":    0.25,
		"verify":         0.30,
		"blocked":        0.35,
		"suspended":      0.35,
		"bank":           0.25,
		"upi":            0.40,
		"police":         0.45,
		"arrest":         0.60,
		"refund":         0.30,
		"lottery":        0.60,
		"winner":         0.50,
		"gift card":      0.50,
		"anydesk":        0.55,
		"teamviewer":     0.55,
		"remote access":  0.50,
	},
	"hi": {
		"otp":      0.50,
		"jaldi":    0.25,
		"turant":   0.25,
		"giraftar": 0.60,
		"kbc":      0.50,
		"inaam":    0.50,
		"lakh":     0.30,
		"paisa":    0.20,
	},
}

// lexiconFor returns the lexicon for a language, merged over the English base
// so transliterated calls still hit the core triggers.
func lexiconFor(language string) map[string]float64 {
	base := lexicons["en"]
	if language == "" || language == "en" {
		return base
	}
	extra, ok := lexicons[language]
	if !ok {
		return base
	}
	merged := make(map[string]float64, len(base)+len(extra))
	for w, s := range base {
		merged[w] = s
	}
	for w, s := range extra {
		merged[w] = s
	}
	return merged
}
