package postprocess

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

var transitionWords = []string{"但是", "然后", "因此", "所以", "不过", "而且", "另外"}

const sentenceEndings = "。？！.?!"

// Punctuator normalizes Chinese punctuation without any external service:
// ASCII punctuation is widened, full-width letters and digits are narrowed,
// whitespace between Han characters is dropped, a comma follows common
// transition words and the text ends with a sentence terminator.
type Punctuator struct {
	language string
}

func NewPunctuator(language string) *Punctuator {
	return &Punctuator{language: language}
}

func (p *Punctuator) Language() string { return p.language }

func (p *Punctuator) Available(context.Context) bool { return true }

func (p *Punctuator) Process(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return text, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text = normalizeWidth(text)
	text = collapseHanSpaces(text)
	text = commaAfterTransitions(text)
	if !strings.ContainsRune(sentenceEndings, lastRune(text)) {
		text += "。"
	}
	return text, nil
}

func normalizeWidth(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case strings.ContainsRune(",?!;:", r):
			b.WriteString(width.Widen.String(string(r)))
		case width.LookupRune(r).Kind() == width.EastAsianFullwidth && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteString(width.Narrow.String(string(r)))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func collapseHanSpaces(text string) string {
	runes := []rune(text)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsSpace(r) {
			prev, next := prevNonSpace(runes, i), nextNonSpace(runes, i)
			if isHanOrWidePunct(prev) || isHanOrWidePunct(next) {
				continue
			}
			if i > 0 && unicode.IsSpace(runes[i-1]) {
				continue
			}
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func commaAfterTransitions(text string) string {
	for _, w := range transitionWords {
		var b strings.Builder
		rest := text
		for {
			i := strings.Index(rest, w)
			if i < 0 {
				b.WriteString(rest)
				break
			}
			end := i + len(w)
			b.WriteString(rest[:end])
			rest = rest[end:]
			if next := firstRune(rest); unicode.Is(unicode.Han, next) {
				b.WriteString("，")
			}
		}
		text = b.String()
	}
	return text
}

func isHanOrWidePunct(r rune) bool {
	if unicode.Is(unicode.Han, r) {
		return true
	}
	k := width.LookupRune(r).Kind()
	return unicode.IsPunct(r) && (k == width.EastAsianWide || k == width.EastAsianFullwidth)
}

func prevNonSpace(runes []rune, i int) rune {
	for j := i - 1; j >= 0; j-- {
		if !unicode.IsSpace(runes[j]) {
			return runes[j]
		}
	}
	return 0
}

func nextNonSpace(runes []rune, i int) rune {
	for j := i + 1; j < len(runes); j++ {
		if !unicode.IsSpace(runes[j]) {
			return runes[j]
		}
	}
	return 0
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func lastRune(s string) rune {
	r := []rune(s)
	if len(r) == 0 {
		return 0
	}
	return r[len(r)-1]
}
