package main

import (
	"context"
	"log"
	"os"

	"github.com/austindbirch/taskbridge/cmd/taskbridge/cmd"
)

func main() {
	if err := cmd.Execute(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}
