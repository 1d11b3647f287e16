package cmd

import (
	"fmt"
	"io"
)

const banner = `
  ___                ___ ____
 |_ _|_ __ ___  _ __|_ _|  _ \
  | || '__/ _ \| '_ \| || | | |
  | || | | (_) | | | | || |_| |
 |___|_|  \___/|_| |_|___|____/
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Identity Trust Service - Version %s\x1b[0m\n\n", Version)
}
