package ui

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/luminousflow/luminous/pkg/defaults"
)

// Commit is set at build time:
// go build -ldflags "-X github.com/luminousflow/luminous/pkg/ui.Commit=$(git rev-parse --short HEAD)"
var Commit = "dev"

const bannerArt = `
   __                _
  / /_ ____ _  ___  (_)__  ___  __ _____
 / / // /  ' \/ _ \/ / _ \/ _ \/ // (_-<
/_/\_,_/_/_/_/_//_/_/_//_/\___/\_,_/___/
`

// BannerInfo is the runtime summary printed at startup.
type BannerInfo struct {
	Addr            string
	Environment     string
	Database        string
	MaxConcurrent   int
	NucleiAvailable bool
	NucleiVersion   string
	AIProvider      string
	Hooks           []string
}

// PrintBanner writes the startup banner and configuration summary to w.
func PrintBanner(w io.Writer, st *Styles, info BannerInfo) {
	for _, line := range strings.Split(bannerArt, "\n") {
		if line != "" {
			fmt.Fprintln(w, st.Banner.Render(line))
		}
	}
	fmt.Fprintf(w, "                        %s %s\n\n",
		st.Version.Render("v"+defaults.Version), st.Subtle.Render("("+Commit+")"))

	nuclei := "not installed"
	if info.NucleiAvailable {
		nuclei = "available"
		if info.NucleiVersion != "" {
			nuclei += " (" + info.NucleiVersion + ")"
		}
	}
	hooks := "none"
	if len(info.Hooks) > 0 {
		hooks = strings.Join(info.Hooks, ", ")
	}

	rows := [][2]string{
		{"Listening", info.Addr},
		{"Environment", info.Environment},
		{"Database", info.Database},
		{"Max scans", strconv.Itoa(info.MaxConcurrent)},
		{"Nuclei", nuclei},
		{"AI analysis", info.AIProvider},
		{"Event hooks", hooks},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "  %s %s\n", st.Label.Render(row[0]), st.Value.Render(row[1]))
	}
	fmt.Fprintln(w)
}
