package ui

import (
	"io"
	"os"
	"runtime"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// fder is implemented by *os.File.
type fder interface {
	Fd() uintptr
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(fder)
	return ok && term.IsTerminal(int(f.Fd()))
}

// UnicodeTerminal reports whether w can render Unicode glyphs. Returns
// false when output is piped or redirected, when TERM is "dumb", and on
// Windows outside Windows Terminal.
func UnicodeTerminal(w io.Writer) bool {
	if os.Getenv("TERM") == "dumb" || !IsTerminal(w) {
		return false
	}
	if runtime.GOOS == "windows" {
		return os.Getenv("WT_SESSION") != ""
	}
	return true
}

// NewRenderer returns a lipgloss renderer for w. Color is disabled when
// noColor is set, when NO_COLOR is present, or when w is not a terminal.
func NewRenderer(w io.Writer, noColor bool) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	if _, set := os.LookupEnv("NO_COLOR"); noColor || set || !IsTerminal(w) {
		r.SetColorProfile(termenv.Ascii)
	}
	return r
}

// Icon returns unicode when w supports it, ascii otherwise.
func Icon(w io.Writer, unicode, ascii string) string {
	if UnicodeTerminal(w) {
		return unicode
	}
	return ascii
}

// SanitizeString strips emoji and other wide symbols from s. Finding
// titles come from third-party templates and may carry them.
func SanitizeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
		case r < 0x80:
			if r >= 0x20 || r == '\t' {
				b.WriteByte(s[i])
			}
		case r >= 0xFE00 && r <= 0xFE0F:
			// variation selectors
		case r <= 0xFF || unicode.Is(unicode.Latin, r):
			b.WriteRune(r)
		}
		i += size
	}
	return b.String()
}
