package main

import (
	"os"

	"go.withmatt.com/mailsync/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
