package main

import (
	"fmt"
	"os"
)

func main() {
	a := newApp()
	err := newRootCmd(a).Execute()
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
