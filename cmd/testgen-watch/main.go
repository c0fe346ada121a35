package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/testgen/internal/common"
	"github.com/ternarybob/testgen/internal/jobsync"
)

var (
	serverURL   = flag.String("server", "http://localhost:8080", "TestGen server base URL")
	configFile  = flag.String("config", "", "Configuration file path (optional)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("TestGen watch version %s\n", common.GetVersion())
		os.Exit(0)
	}

	jobID := flag.Arg(0)
	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: testgen-watch [-server URL] [-config FILE] <job-id>")
		os.Exit(2)
	}

	var configPaths []string
	if *configFile != "" {
		configPaths = append(configPaths, *configFile)
	}
	config, err := common.LoadFromFiles(configPaths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := arbor.NewLogger()

	client := jobsync.NewClient(*serverURL, jobsync.PolicyFromConfig(&config.Stream), logger)
	defer client.Close()

	done := make(chan struct{})
	sub, err := client.Subscribe(jobID, func(snap jobsync.Snapshot) {
		printSnapshot(snap)
		if snap.IsTerminal() {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to subscribe: %v\n", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-done:
	case <-sigChan:
		fmt.Println("Interrupted")
	}
}

func printSnapshot(snap jobsync.Snapshot) {
	line := fmt.Sprintf("[%s] %s %d%%", snap.Status, snap.Stage, snap.Progress)
	if snap.Stale {
		line += " (stale)"
	}
	if snap.Error != "" {
		line += " error: " + snap.Error
	}
	fmt.Println(line)

	if len(snap.Files) > 0 {
		names := make([]string, 0, len(snap.Files))
		for name := range snap.Files {
			names = append(names, name)
		}
		fmt.Printf("Generated files: %s\n", strings.Join(names, ", "))
	}
}
