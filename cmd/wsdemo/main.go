// File: cmd/wsdemo/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// wsdemo runs an echo server or a scripted client on top of wscore.

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
