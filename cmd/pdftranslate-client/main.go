// Command pdftranslate-client submits a PDF to a running translation server,
// waits for the result and downloads it.
//
// Usage:
//
//	pdftranslate-client --server http://localhost:8000 --type dual paper.pdf
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pdftranslate-server/internal/client"
	"pdftranslate-server/internal/task"
)

var (
	serverFlag    = flag.String("server", "http://localhost:8000", "translation server URL")
	langInFlag    = flag.String("lang-in", "", "source language (server default when empty)")
	langOutFlag   = flag.String("lang-out", "", "target language (server default when empty)")
	typeFlag      = flag.String("type", task.KindDual, "result to download: dual or mono")
	outputFlag    = flag.String("output", "", "download path (defaults next to the input)")
	qpsFlag       = flag.Int("qps", 0, "translation requests per second (server default when 0)")
	watermarkFlag = flag.String("watermark", "", "watermarked, no_watermark or both")
	timeoutFlag   = flag.Duration("timeout", client.DefaultWaitTimeout, "give up waiting after this long")
	pollFlag      = flag.Duration("poll", client.DefaultPollInterval, "status polling interval")
)

func printHelp() {
	fmt.Println("pdftranslate-client - translate a PDF through a pdftranslate server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pdftranslate-client [options] <input.pdf>")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printHelp
	flag.Parse()

	if flag.NArg() != 1 {
		printHelp()
		os.Exit(1)
	}
	input := flag.Arg(0)

	kind := strings.ToLower(*typeFlag)
	if kind != task.KindDual && kind != task.KindMono {
		fmt.Fprintf(os.Stderr, "Error: --type must be dual or mono, got %q\n", *typeFlag)
		os.Exit(1)
	}

	output := *outputFlag
	if output == "" {
		base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		output = filepath.Join(filepath.Dir(input), fmt.Sprintf("%s.%s.pdf", base, kind))
	}

	if err := run(input, output, kind); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		os.Exit(1)
	}
}

func run(input, output, kind string) error {
	c := client.New(*serverFlag)
	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	health, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("server not reachable: %w", err)
	}
	fmt.Printf("Server: %s (%s)\n", *serverFlag, health.Status)

	start := time.Now()
	fmt.Printf("Start:  %s\n", start.Format("15:04:05"))

	opts := client.SubmitOptions{
		LangIn:        *langInFlag,
		LangOut:       *langOutFlag,
		QPS:           *qpsFlag,
		WatermarkMode: *watermarkFlag,
	}

	taskID, err := c.Submit(ctx, input, opts)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	fmt.Printf("Task:   %s\n", taskID)

	lastMessage := ""
	final, err := c.Wait(ctx, taskID, *pollFlag, func(s task.TaskStatus) {
		if s.Message != lastMessage {
			fmt.Printf("  [%5.1f%%] %s\n", s.Progress, s.Message)
			lastMessage = s.Message
		}
	})
	end := time.Now()
	if err != nil {
		return fmt.Errorf("translation did not finish: %w", err)
	}

	fmt.Println()
	fmt.Printf("End:     %s\n", end.Format("15:04:05"))
	fmt.Printf("Elapsed: %v\n", end.Sub(start).Round(time.Second))

	if final.Status != task.StatusCompleted {
		return fmt.Errorf("%s", final.Message)
	}
	if err := c.Download(ctx, taskID, kind, output); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	fmt.Printf("Saved:   %s\n", output)
	return nil
}
