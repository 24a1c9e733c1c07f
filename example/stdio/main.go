// Command stdio connects to an MCP server launched as a child process and
// drives it from the terminal: it performs the handshake, prints the server's
// tool list, and reprints it whenever the server announces a change.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	mcpclient "github.com/ferrostad/mcp-client"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to client config file")
	flag.Parse()

	cfg, err := mcpclient.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	transport, err := cfg.BuildTransport()
	if err != nil {
		log.Fatal(err)
	}

	options := append(cfg.ClientOptions(),
		mcpclient.WithRootsProvider(mcpclient.StaticRoots(mcpclient.Root{
			URI:  "file://" + mustGetwd(),
			Name: "cwd",
		})),
		mcpclient.WithToolsListChangedConsumer(printTools),
	)
	client := mcpclient.NewClient(cfg.ClientInfo(), transport, options...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		log.Fatal(err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := client.Close(closeCtx); err != nil {
			log.Print(err)
		}
	}()

	if err := client.Initialize(ctx); err != nil {
		log.Fatal(err)
	}
	info := client.ServerInfo()
	fmt.Printf("Connected to %s %s\n", info.Name, info.Version)

	res, err := client.ListTools(ctx, mcpclient.ListToolsParams{})
	if err != nil {
		log.Fatal(err)
	}
	printTools(res.Tools)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan
	fmt.Println("Exiting...")
}

func printTools(tools []mcpclient.Tool) {
	fmt.Printf("Server exposes %d tools:\n", len(tools))
	for _, tool := range tools {
		fmt.Printf("  %s: %s\n", tool.Name, tool.Description)
	}
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}
	return wd
}
