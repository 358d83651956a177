// taskwatch tails one account's task board from the terminal: it fetches
// the current list, joins the account's room over the websocket and
// reprints the reconciled view whenever another session changes something.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"taskboard/client"
	"taskboard/domain"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	token := flag.String("token", "", "bearer token for the account to watch")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "taskwatch: -token is required")
		os.Exit(2)
	}

	logger := log.New()
	c := client.New(*addr, *token, logger)
	c.OnChange = printBoard

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Run(ctx); err != nil {
		logger.Fatal(err)
	}
}

func printBoard(tasks []domain.Task) {
	fmt.Printf("\n-- %d task(s) --\n", len(tasks))
	for _, t := range tasks {
		fmt.Printf("[%-11s] %s  %s\n", t.Status, t.ID[:8], t.Title)
	}
}
