package testutil

import (
	"strings"
	"unicode/utf8"
)

// NaughtyStrings is a hand-picked slice of the Big List of Naughty Strings
// (https://github.com/minimaxir/big-list-of-naughty-strings), limited to the
// shapes that reach prompts, stored payloads and log lines.
var NaughtyStrings = naughtyStringSet{
	Unicode: []string{
		"Ω≈ç√∫˜µ≤≥÷",
		"田中さんにあげて下さい",
		"社會科學院語學研究所",
		"👾 🙇 💁 🙅 🙆 🙋 🙎 🙍",
		"\U0001F468\u200d\U0001F469\u200d\U0001F466 family",
		"❤️ 💔 💌 💕",
		"مرحبا بالعالم",
		"\u202etxt.exe",
		"T̫̺̳o̬̜ ̬̪͔i̦̲n̪͙v̝o̟̙k̖e̩ c̳͎h̦a̲o̪s",
		"\u00a0\u1680\u2000\u200b\u3000",
		"\ufeffbom",
	},
	Injection: []string{
		"'; DROP TABLE llm_requests; --",
		"1' OR '1'='1",
		`"}, "state": "completed", "x": {"`,
		"<script>alert(1)</script>",
		"$(rm -rf /)",
		"../../../etc/passwd",
		"%s%s%s%n",
		"{{.Payload}}",
		"\x00null byte",
		"line\nbreak\r\nand\ttab",
	},
}

type naughtyStringSet struct {
	// Unicode holds multibyte, combining, bidi and zero-width text.
	Unicode []string
	// Injection holds SQL, JSON, markup, shell and format-string payloads.
	Injection []string
}

// All returns every string in the set.
func (n naughtyStringSet) All() []string {
	all := make([]string, 0, len(n.Unicode)+len(n.Injection))
	all = append(all, n.Unicode...)
	return append(all, n.Injection...)
}

// Storable returns the strings that JSON and SQL text columns keep
// byte for byte. PostgreSQL rejects NUL in text and jsonb.
func (n naughtyStringSet) Storable() []string {
	var out []string
	for _, s := range n.All() {
		if utf8.ValidString(s) && !strings.ContainsRune(s, 0) {
			out = append(out, s)
		}
	}
	return out
}
