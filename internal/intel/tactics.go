package intel

import "strings"

// tacticTriggers maps each closed tactic label to the phrases that signal it.
// Matching runs over normalised text.
var tacticTriggers = map[string][]string{
	TacticUrgency: {
		"urgent", "immediately", "right now", "hurry", "expire", "last chance",
		"within 10 minutes", "jaldi", "turant",
	},
	TacticAuthority: {
		"police", "officer", "government", "court", "income tax", "rbi",
		"cbi", "customs", "cyber cell", "bank official",
	},
	TacticFear: {
		"arrest", "blocked", "suspended", "legal action", "lawsuit", "fine",
		"penalty", "fir", "giraftar", "case against you",
	},
	TacticGreed: {
		"lottery", "winner", "prize", "refund", "cashback", "reward",
		"inaam", "kbc", "free gift",
	},
	TacticCredentialRequest: {
		"otp", "password", "pin", "cvv", "card number", "account number",
		"share your", "read out the code",
	},
	TacticImpersonation: {
		"calling from", "on behalf of", "this is your bank", "customer care",
		"microsoft support", "amazon support", "technical support",
	},
	TacticIsolation: {
		"don't tell", "do not tell", "keep this secret", "stay on the line",
		"don't hang up", "do not inform", "tell no one",
	},
}

// detectTactics applies the rule set over the normalised utterance.
func detectTactics(normText string) []string {
	var out []string
	for tactic, triggers := range tacticTriggers {
		for _, phrase := range triggers {
			if strings.Contains(normText, phrase) {
				out = append(out, tactic)
				break
			}
		}
	}
	return out
}
