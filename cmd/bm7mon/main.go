package main

import (
	"os"

	"github.com/derekpurdy/BM7/internal/bm7mon"
	"github.com/derekpurdy/BM7/internal/logging"
)

var version = "<not set>"

var log = logging.NewLogger("info")

func main() {
	if err := bm7mon.Run(os.Args[1:], version); err != nil {
		log.Fatal(err)
	}
}
