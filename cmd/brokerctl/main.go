package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sandbox-broker/internal/broker"
	"sandbox-broker/internal/config"
	"sandbox-broker/internal/directory"
	"sandbox-broker/internal/store"
)

var (
	storeDSN string
	opsURL   string
	clientID string
	host     string
	codeFile string
	noWait   bool
	timeout  time.Duration
	status   string
	settle   time.Duration
)

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	root := &cobra.Command{
		Use:          "brokerctl",
		Short:        "Client for sandbox-broker hosts",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&storeDSN, "dsn", os.Getenv("BROKER_STORE_DSN"), "Postgres DSN of the shared store")
	root.PersistentFlags().StringVar(&clientID, "client", os.Getenv("BROKER_CLIENT_ID"), "Client id (random when empty)")

	submitCmd := &cobra.Command{
		Use:   "submit [code]",
		Short: "Run code on a host and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&host, "host", "", "Target host name")
	submitCmd.Flags().StringVarP(&codeFile, "file", "f", "", "Read code from a file")
	submitCmd.Flags().BoolVar(&noWait, "no-wait", false, "Print the job id and return without waiting")
	submitCmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "How long to wait for the result")
	_ = submitCmd.MarkFlagRequired("host")
	root.AddCommand(submitCmd)

	bindCmd := &cobra.Command{
		Use:   "bind",
		Short: "Publish a connection request and print the channel",
		Args:  cobra.NoArgs,
		RunE:  runBind,
	}
	bindCmd.Flags().StringVar(&host, "host", "", "Target host name")
	_ = bindCmd.MarkFlagRequired("host")
	root.AddCommand(bindCmd)

	hostsCmd := &cobra.Command{
		Use:   "hosts",
		Short: "List hosts in the directory",
		Args:  cobra.NoArgs,
		RunE:  runHosts,
	}
	hostsCmd.Flags().StringVar(&status, "status", "", "Only show online or offline hosts")
	hostsCmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "How long to collect directory records")
	root.AddCommand(hostsCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream every job record in a channel",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&host, "host", "", "Host name of the channel")
	_ = watchCmd.MarkFlagRequired("host")
	root.AddCommand(watchCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check a host's ops endpoint",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}
	healthCmd.Flags().StringVar(&opsURL, "ops", "http://localhost:3000", "Ops server URL")
	root.AddCommand(healthCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (store.Store, error) {
	if storeDSN == "" {
		return nil, fmt.Errorf("no store DSN: pass --dsn or set BROKER_STORE_DSN")
	}
	cfg := config.DefaultConfig().Store
	cfg.Backend = "postgres"
	cfg.DSN = storeDSN
	cfg.MaxConns = 4
	return store.Open(ctx, cfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSubmit(_ *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	client := broker.NewClient(st, clientID)
	channel, err := client.Bind(ctx, host)
	if err != nil {
		return err
	}
	jobID, err := client.Submit(ctx, channel, code)
	if err != nil {
		return err
	}

	if noWait {
		fmt.Printf("client %s job %s\n", client.ID(), jobID)
		return nil
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()

	job, err := client.Await(waitCtx, channel, jobID)
	if err != nil {
		return fmt.Errorf("waiting for job %s: %w", jobID, err)
	}

	if job.Error != nil {
		fmt.Fprintln(os.Stderr, *job.Error)
		_ = st.Close()
		os.Exit(1)
	}
	if job.Output != nil {
		fmt.Println(*job.Output)
	}
	return nil
}

func readCode(args []string) (string, error) {
	switch {
	case len(args) > 0:
		return args[0], nil
	case codeFile != "":
		data, err := os.ReadFile(codeFile)
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
}

func runBind(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	client := broker.NewClient(st, clientID)
	channel, err := client.Bind(ctx, host)
	if err != nil {
		return err
	}
	fmt.Printf("client %s channel %s\n", client.ID(), channel)
	return nil
}

func runHosts(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	// The store has no list call; follow the directory briefly instead.
	view := directory.NewView()
	followCtx, stop := context.WithTimeout(ctx, settle)
	defer stop()
	if err := view.Follow(followCtx, st); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tCPUS\tFREE MB\tTOTAL MB\tPLATFORM\tLAST UPDATE")
	for _, h := range view.Hosts() {
		if status != "" && h.Status != status {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			h.Name, h.Status, h.CPUCount, h.FreeMemory>>20, h.TotalMemory>>20, h.Platform,
			h.Updated().Format(time.RFC3339))
	}
	return w.Flush()
}

func runWatch(_ *cobra.Command, _ []string) error {
	if clientID == "" {
		return fmt.Errorf("watch needs --client")
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.Watch(ctx, store.ChannelPath(host, clientID))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for ev := range events {
		if err := enc.Encode(map[string]any{"job": ev.Key, "record": ev.Value}); err != nil {
			return err
		}
	}
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(opsURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("host unhealthy: %s", resp.Status)
	}
	return nil
}
