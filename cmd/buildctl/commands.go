package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type startBuildRequest struct {
	BuildID     string `json:"buildId"`
	StoreURL    string `json:"storeUrl,omitempty"`
	AnonKey     string `json:"anonKey,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	ServiceKey  string `json:"serviceKey,omitempty"`
}

type activeBuildResponse struct {
	BuildID     string    `json:"buildId"`
	PID         int       `json:"pid"`
	Port        *int      `json:"port,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CurrentStep int       `json:"currentStep,omitempty"`
}

type listBuildsResponse struct {
	Builds []activeBuildResponse `json:"builds"`
}

type logEntryResponse struct {
	StepID    string `json:"stepId"`
	Stream    string `json:"stream"`
	Chunk     string `json:"chunk"`
	CreatedAt string `json:"createdAt"`
}

type logsResponse struct {
	Logs []logEntryResponse `json:"logs"`
}

var startCmd = &cobra.Command{
	Use:   "start <build-id>",
	Short: "POST a start-build request to the Dispatcher",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := startBuildRequest{BuildID: args[0]}
		client := newDispatcherClient()
		if err := client.do("POST", "/api/start-build", req, nil); err != nil {
			return err
		}
		fmt.Printf("build %s accepted\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <build-id>",
	Short: "Fetch one build's Active Build Entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var entry activeBuildResponse
		client := newDispatcherClient()
		if err := client.do("GET", "/api/builds/"+args[0], nil, &entry); err != nil {
			return err
		}
		printBuild(entry)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active builds",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp listBuildsResponse
		client := newDispatcherClient()
		if err := client.do("GET", "/api/builds", nil, &resp); err != nil {
			return err
		}
		if len(resp.Builds) == 0 {
			fmt.Println("no active builds")
			return nil
		}
		for _, b := range resp.Builds {
			printBuild(b)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <build-id>",
	Short: "Cancel an active build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newDispatcherClient()
		if err := client.do("POST", "/api/builds/"+args[0]+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Printf("build %s cancelled\n", args[0])
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <build-id>",
	Short: "Tail a build's log rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp logsResponse
		client := newDispatcherClient()
		if err := client.do("GET", "/api/builds/"+args[0]+"/logs", nil, &resp); err != nil {
			return err
		}
		for _, l := range resp.Logs {
			fmt.Printf("[%s] %s: %s\n", l.CreatedAt, l.Stream, l.Chunk)
		}
		return nil
	},
}

func printBuild(b activeBuildResponse) {
	port := "-"
	if b.Port != nil {
		port = fmt.Sprintf("%d", *b.Port)
	}
	fmt.Printf("%-36s pid=%-8d step=%-4d port=%-6s started=%s\n", b.BuildID, b.PID, b.CurrentStep, port, b.StartedAt.Format(time.RFC3339))
}
