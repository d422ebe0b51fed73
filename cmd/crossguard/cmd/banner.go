package cmd

import (
	"fmt"
	"io"
)

const banner = `
                                                     _
   ___ _ __ ___  ___ ___  __ _ _   _  __ _ _ __ __| |
  / __| '__/ _ \/ __/ __|/ _` + "`" + ` | | | |/ _` + "`" + ` | '__/ _` + "`" + ` |
 | (__| | | (_) \__ \__ \ (_| | |_| | (_| | | | (_| |
  \___|_|  \___/|___/___/\__, |\__,_|\__,_|_|  \__,_|
                         |___/
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Matrix session and cross-signing manager - Version %s\x1b[0m\n\n", Version)
}
