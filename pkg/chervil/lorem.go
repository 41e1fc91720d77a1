package chervil

import (
	"math/rand"
	"strings"
)

const loremCommonParagraph = "Lorem ipsum dolor sit amet, consectetur adipisicing elit, sed do " +
	"eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, " +
	"quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. " +
	"Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat " +
	"nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui " +
	"officia deserunt mollit anim id est laborum."

var loremWords = []string{
	"lorem", "ipsum", "dolor", "sit", "amet", "consectetur", "adipisicing", "elit",
	"sed", "do", "eiusmod", "tempor", "incididunt", "ut", "labore", "et", "dolore",
	"magna", "aliqua", "enim", "ad", "minim", "veniam", "quis", "nostrud",
	"exercitation", "ullamco", "laboris", "nisi", "aliquip", "ex", "ea", "commodo",
	"consequat", "duis", "aute", "irure", "in", "reprehenderit", "voluptate",
	"velit", "esse", "cillum", "eu", "fugiat", "nulla", "pariatur", "excepteur",
	"sint", "occaecat", "cupidatat", "non", "proident", "sunt", "culpa", "qui",
	"officia", "deserunt", "mollit", "anim", "id", "est", "laborum",
}

// loremText renders placeholder text. method is "w" for words, "p" for
// HTML paragraphs, "b" for plain paragraphs. Without the random flag the
// output is deterministic, starting from the canonical first paragraph.
func loremText(count int, method string, random bool) string {
	if count < 1 {
		count = 1
	}
	switch method {
	case "w":
		return strings.Join(loremWordList(count, random), " ")
	case "p":
		paras := loremParagraphs(count, random)
		for i, p := range paras {
			paras[i] = "<p>" + p + "</p>"
		}
		return strings.Join(paras, "\n\n")
	default:
		return strings.Join(loremParagraphs(count, random), "\n\n")
	}
}

func loremWordList(count int, random bool) []string {
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if random {
			out = append(out, loremWords[rand.Intn(len(loremWords))])
		} else {
			out = append(out, loremWords[i%len(loremWords)])
		}
	}
	return out
}

func loremParagraphs(count int, random bool) []string {
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if !random && i == 0 {
			out = append(out, loremCommonParagraph)
			continue
		}
		out = append(out, loremParagraph(i, random))
	}
	return out
}

// loremParagraph builds a paragraph of a few sentences. The deterministic
// path rotates through the word list so successive paragraphs differ.
func loremParagraph(seed int, random bool) string {
	sentences := 3 + seed%3
	if random {
		sentences = 3 + rand.Intn(4)
	}
	var parts []string
	for s := 0; s < sentences; s++ {
		length := 8 + (seed+s*5)%7
		start := (seed*17 + s*11) % len(loremWords)
		if random {
			length = 8 + rand.Intn(7)
			start = rand.Intn(len(loremWords))
		}
		words := make([]string, 0, length)
		for w := 0; w < length; w++ {
			words = append(words, loremWords[(start+w)%len(loremWords)])
		}
		sentence := strings.Join(words, " ")
		sentence = strings.ToUpper(sentence[:1]) + sentence[1:] + "."
		parts = append(parts, sentence)
	}
	return strings.Join(parts, " ")
}
