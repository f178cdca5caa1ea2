package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
