// Package main is the entry point for the Parley load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: connection saturation test: opens N idle connections
//   - typing:   typing fanout test: measures send-to-receive latency
//
// Both commands need pre-issued auth tokens, supplied as a file of
// "userID token" lines (one simulated user per line).
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "typing":
		runTyping(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle authenticated connections")
	fmt.Println("  typing      Typing fanout test: one sender per chat, measures delivery latency")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// credential is one pre-issued identity for a simulated user.
type credential struct {
	UserID string
	Token  string
}

// loadCredentials reads "userID token" pairs, one per line. Blank lines and
// lines starting with # are skipped.
func loadCredentials(path string) ([]credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var creds []credential
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed credential line: %q", line)
		}
		creds = append(creds, credential{UserID: fields[0], Token: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return creds, nil
}
