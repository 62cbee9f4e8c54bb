package orchestrator

import (
	"strings"
	"unicode"
)

// Acknowledgement vocabulary matched against the canonicalized message.
// Only whole-message matches count: "thanks" is filler, "thanks for the
// writeup, two notes" is not. The service extracts nothing useful from
// bare acks, so shipping them wastes quota.
var fillerTokens = map[string]struct{}{}

var fillerPhrases = []string{
	// English acks and greetings.
	"ok", "okay", "k", "kk", "yes", "yep", "yeah", "yup", "no", "nope", "nah",
	"thanks", "thank you", "thx", "ty", "you re welcome", "welcome", "no problem",
	"hi", "hello", "hey", "bye", "goodbye", "good night",
	"cool", "nice", "great", "awesome", "perfect", "sure", "fine", "good",
	"alright", "all right", "got it", "sounds good", "will do", "right",
	"lol", "haha", "hmm", "hm", "mm", "uh", "um", "oh", "ah", "wow",
	// Chinese equivalents.
	"好", "好的", "好了", "好吧", "嗯", "嗯嗯", "哦", "噢", "喔", "啊",
	"哈哈", "呵呵", "谢谢", "谢了", "多谢", "感谢", "不客气", "不用谢",
	"你好", "您好", "再见", "拜拜", "晚安",
	"是", "是的", "对", "对的", "没错", "行", "可以",
	"没事", "没问题", "收到", "了解", "明白", "明白了", "知道了",
}

func init() {
	for _, p := range fillerPhrases {
		fillerTokens[p] = struct{}{}
	}
}

// isFiller reports whether the message carries no memorable content: an
// acknowledgement token, a greeting, or punctuation-only noise.
func isFiller(content string) bool {
	canon := canonicalizeFiller(content)
	if canon == "" {
		// Nothing but punctuation, symbols or whitespace.
		return true
	}
	_, ok := fillerTokens[canon]
	return ok
}

// canonicalizeFiller lowercases, keeps letters and digits, collapses
// whitespace and punctuation runs into single spaces and drops symbols,
// so "Okay!!", " ok " and "okay…" all canonicalize alike.
func canonicalizeFiller(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	prevSpace := true
	for _, r := range strings.ToLower(raw) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			// Symbols and emoji do not participate in matching.
		}
	}
	return strings.TrimSpace(b.String())
}
