package cmd

import (
	"fmt"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

const banner = `
     _    ____ _____ ____  ____  
    / \  / ___| ____|  _ \/ ___| 
   / _ \| |   |  _| | |_) \___ \ 
  / ___ \ |___| |___|  _ < ___) |
 /_/   \_\____|_____|_| \_\____/ 
                                 
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  ACE-OAuth Resource Server - Version %s\x1b[0m\n\n", Version)
}
