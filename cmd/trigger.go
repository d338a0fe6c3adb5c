package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/bridge"
	"github.com/evac-planner/evac-planner/evac/queue"
)

var (
	request   queue.Request
	statusID  string
	statusRaw bool
)

// enqueueCmd submits a simulation request to a running planner
var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit a simulation request to a planner serving over NATS",
	Run: func(cmd *cobra.Command, args []string) {
		client, closeConn := triggerClient(cmd)
		defer closeConn()
		if request.Source == "" {
			request.Source = "cli"
		}
		reply, err := client.Enqueue(context.Background(), request)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if reply.Created {
			fmt.Printf("queued %s (%s)\n", reply.Entry.ID, reply.Entry.State)
		} else {
			fmt.Printf("already queued as %s (%s)\n", reply.Entry.ID, reply.Entry.State)
		}
	},
}

// statusCmd shows one queue entry or the whole queue
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the simulation queue of a planner serving over NATS",
	Run: func(cmd *cobra.Command, args []string) {
		client, closeConn := triggerClient(cmd)
		defer closeConn()
		reply, err := client.Status(context.Background(), statusID)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if statusRaw {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(reply); err != nil {
				logrus.Fatalf("%v", err)
			}
			return
		}
		printStatus(os.Stdout, reply)
	},
}

// triggerClient connects with the config's NATS settings, --nats winning.
func triggerClient(cmd *cobra.Command) (*bridge.TriggerClient, func()) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		logrus.Fatalf("Invalid config: %v", err)
	}
	if cmd.Flags().Changed("nats") {
		cfg.NATS.URL = natsURL
	}
	if cfg.NATS.URL == "" {
		logrus.Fatalf("No NATS server: set nats.url or pass --nats")
	}
	nc, err := bridge.Connect(cfg.NATS)
	if err != nil {
		logrus.Fatalf("%v", err)
	}
	return bridge.NewTriggerClient(nc, cfg.NATS.SubjectPrefix, cfg.NATS.Timeout), nc.Close
}

func printStatus(w io.Writer, reply bridge.StatusReply) {
	if e := reply.Entry; e != nil {
		printEntry(w, *e)
		return
	}
	if reply.Snapshot == nil {
		return
	}
	for _, st := range queue.States {
		fmt.Fprintf(w, "%-10s %d\n", st, reply.Snapshot.Counts[st])
	}
	for _, st := range queue.States {
		for _, e := range reply.Snapshot.Entries[st] {
			printEntry(w, e)
		}
	}
}

func printEntry(w io.Writer, e queue.Entry) {
	line := fmt.Sprintf("%s  %-9s %s/%s", e.ID, e.State, e.Request.Region, e.Request.Hazard)
	if e.RunID != "" {
		line += " run=" + e.RunID
	}
	if e.Reason != "" {
		line += " reason=" + e.Reason
	}
	fmt.Fprintln(w, line)
}

func init() {
	for _, c := range []*cobra.Command{enqueueCmd, statusCmd} {
		c.Flags().StringVar(&natsURL, "nats", "", "NATS server URL (overrides nats.url)")
	}
	enqueueCmd.Flags().StringVar(&request.Region, "region", "", "City or region to plan for")
	enqueueCmd.Flags().StringVar(&request.Hazard, "hazard", "", "Hazard driving the evacuation")
	enqueueCmd.Flags().StringVar(&request.Objective, "objective", "", "Free-text objective (defaults to the planner's template)")
	enqueueCmd.Flags().StringVar(&request.Weights, "weights", "", fmt.Sprintf("Objective weights over %v, e.g. clearance:0.6,fairness:0.4", evac.ValidObjectiveNames()))
	enqueueCmd.Flags().IntVar(&request.MaxScenarios, "max-scenarios", 0, "Scenario cap (defaults to the planner's template)")
	enqueueCmd.Flags().StringVar(&request.Source, "source", "", "Producer name recorded on the entry")
	_ = enqueueCmd.MarkFlagRequired("region")
	_ = enqueueCmd.MarkFlagRequired("hazard")

	statusCmd.Flags().StringVar(&statusID, "id", "", "Show a single entry")
	statusCmd.Flags().BoolVar(&statusRaw, "json", false, "Print the raw JSON reply")
}
