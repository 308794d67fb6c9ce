// Command minestack supervises a local mining stack: base node, wallet,
// merge-mining proxy, optional p2pool client, and CPU/GPU miners.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
