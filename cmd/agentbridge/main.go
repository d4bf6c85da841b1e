package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "agentbridge",
	Short: "Headless client bridge for real-time voice agent sessions",
	Long: `agentbridge joins a real-time voice agent session, plays the agent's
audio, publishes a local capture source as the microphone and mirrors the
session state (agent state, transcript, tool calls, volume levels) into a
store served over HTTP and a websocket stream.

Quick Start:
  agentbridge run --test-mode                          # scripted demo agent
  agentbridge run --server-url wss://rooms.example --token $TOKEN
  agentbridge probe --base-url http://127.0.0.1:8080   # wait for readiness`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentbridge: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.AddCommand(runCmd, probeCmd)
}
