package common

import (
	"github.com/ternarybob/banner"
)

// PrintBanner displays the startup banner for one node binary.
func PrintBanner(node string) {
	banner.PrintSimple("dspider "+node, Version)
}
