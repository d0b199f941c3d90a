package cmd

import (
	"fmt"
	"io"
)

const banner = `
  ____  _                         _               
 / ___|| |_ _ __ ___  _ __   __ _| |__   _____  __
 \___ \| __| '__/ _ \| '_ \ / _` + "`" + ` | '_ \ / _ \ \/ /
  ___) | |_| | | (_) | | | | (_| | |_) | (_) >  < 
 |____/ \__|_|  \___/|_| |_|\__, |_.__/ \___/_/\_\
                            |___/                 
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Development API Server - Version %s\x1b[0m\n\n", Version)
}
