// Package markdown turns chat text into the small HTML subset the chat view displays.
//
// Render works in ordered passes: existing markup and code are lifted out into
// placeholders (code bodies re-escaped), the remaining text is escaped, emphasis is applied, then lines are
// grouped into lists and headers and joined with <br>. Markup Render emits is lifted
// out verbatim on a later call, so Render(Render(s)) == Render(s).
package markdown

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Placeholder markers live in the private use area. Block placeholders also act as
// line boundaries: emphasis and code spans never cross them. Code spans never
// contain any placeholder.
const (
	inlineOpen  = "\uE000"
	inlineClose = "\uE001"
	blockOpen   = "\uF000"
	blockClose  = "\uF001"

	// emphasisBody is non-empty, star-free, does not start or end with a space and
	// stays on one line.
	emphasisBody = "[^\\s*\uF000\uF001]|[^\\s*\uF000\uF001][^*\n\uF000\uF001]*?[^\\s*\uF000\uF001]"
)

var (
	preElemRe  = regexp.MustCompile(`(?s)<pre><code>.*?</code></pre>`)
	codeElemRe = regexp.MustCompile(`(?s)<code>.*?</code>`)
	fencedRe   = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*\n?(.*?)```")
	blockTagRe = regexp.MustCompile(`</?(?:ul|ol|li|h[1-3])>|<br\s*/?>`)
	inlineTag  = regexp.MustCompile(`</?(?:strong|em)>`)
	codeSpanRe = regexp.MustCompile("`([^`\n\uE000\uE001\uF000\uF001]+)`")
	entityRe   = regexp.MustCompile(`^&(?:#[0-9]+|#[xX][0-9a-fA-F]+|[A-Za-z][A-Za-z0-9]*);`)

	boldRe   = regexp.MustCompile(`\*\*(` + emphasisBody + `)\*\*`)
	italicRe = regexp.MustCompile(`\*(` + emphasisBody + `)\*`)

	headerRe = regexp.MustCompile(`^(#{1,3}) (.*)$`)
	bulletRe = regexp.MustCompile(`^[-*] (.*)$`)
	numberRe = regexp.MustCompile(`^\d+\. (.*)$`)

	placeholderRe = regexp.MustCompile("[\uE000\uF000]([0-9]+)[\uE001\uF001]")
	markerRunes   = strings.NewReplacer(inlineOpen, "\uFFFD", inlineClose, "\uFFFD", blockOpen, "\uFFFD", blockClose, "\uFFFD")
)

// Render converts text to display markup. It never fails.
func Render(text string) string {
	if text == "" {
		return ""
	}

	r := &renderer{}
	s := markerRunes.Replace(strings.ReplaceAll(text, "\r\n", "\n"))

	s = preElemRe.ReplaceAllStringFunc(s, func(m string) string {
		body := m[len("<pre><code>") : len(m)-len("</code></pre>")]
		return r.block("<pre><code>" + escape(body) + "</code></pre>")
	})
	s = codeElemRe.ReplaceAllStringFunc(s, func(m string) string {
		body := m[len("<code>") : len(m)-len("</code>")]
		return r.inline("<code>" + escape(body) + "</code>")
	})
	s = fencedRe.ReplaceAllStringFunc(s, func(m string) string {
		body := fencedRe.FindStringSubmatch(m)[1]
		return r.block("<pre><code>" + escape(body) + "</code></pre>")
	})
	s = blockTagRe.ReplaceAllStringFunc(s, r.block)
	s = codeSpanRe.ReplaceAllStringFunc(s, func(m string) string {
		return r.inline("<code>" + escape(m[1:len(m)-1]) + "</code>")
	})
	s = inlineTag.ReplaceAllStringFunc(s, r.inline)

	s = escape(s)
	s = emphasize(s)
	s = layoutLines(s)

	return r.restore(s)
}

type renderer struct {
	frags []string
}

func (r *renderer) hold(frag, start, end string) string {
	i := len(r.frags)
	r.frags = append(r.frags, frag)
	return start + strconv.Itoa(i) + end
}

func (r *renderer) block(frag string) string  { return r.hold(frag, blockOpen, blockClose) }
func (r *renderer) inline(frag string) string { return r.hold(frag, inlineOpen, inlineClose) }

func (r *renderer) restore(s string) string {
	for i := 0; i <= len(r.frags) && strings.ContainsAny(s, inlineOpen+blockOpen); i++ {
		s = placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
			idx, err := strconv.Atoi(placeholderRe.FindStringSubmatch(m)[1])
			if err != nil || idx >= len(r.frags) {
				return ""
			}
			return r.frags[idx]
		})
	}
	return s
}

// escape HTML-escapes s, leaving character entities intact so escaped text is not
// escaped twice.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '&':
			if entityRe.MatchString(s[i:]) {
				b.WriteByte(c)
			} else {
				b.WriteString("&amp;")
			}
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#39;")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// emphasize applies bold then italic until neither matches. Each replacement removes
// asterisks, so the loop terminates.
func emphasize(s string) string {
	for {
		next := boldRe.ReplaceAllString(s, "<strong>$1</strong>")
		next = italicRe.ReplaceAllString(next, "<em>$1</em>")
		if next == s {
			return s
		}
		s = next
	}
}

type unit struct {
	html  string
	block bool
}

func layoutLines(s string) string {
	var (
		units   []unit
		list    *strings.Builder
		listTag string
	)

	flush := func() {
		if list == nil {
			return
		}
		list.WriteString("</" + listTag + ">")
		units = append(units, unit{html: list.String(), block: true})
		list = nil
	}

	for _, line := range strings.Split(s, "\n") {
		if m := headerRe.FindStringSubmatch(line); m != nil {
			flush()
			n := len(m[1])
			units = append(units, unit{html: fmt.Sprintf("<h%d>%s</h%d>", n, m[2], n), block: true})
			continue
		}

		tag, item := "", ""
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			tag, item = "ul", m[1]
		} else if m := numberRe.FindStringSubmatch(line); m != nil {
			tag, item = "ol", m[1]
		}
		if tag == "" {
			flush()
			units = append(units, unit{html: line})
			continue
		}

		if list != nil && listTag != tag {
			flush()
		}
		if list == nil {
			list = &strings.Builder{}
			listTag = tag
			list.WriteString("<" + tag + ">")
		}
		list.WriteString("<li>" + item + "</li>")
	}
	flush()

	var b strings.Builder
	for i, u := range units {
		if i > 0 && !u.block && !units[i-1].block {
			b.WriteString("<br>")
		}
		b.WriteString(u.html)
	}
	return b.String()
}
