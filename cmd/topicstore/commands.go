package topicstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/edgeflare/topicstore/pkg/api"
	"github.com/edgeflare/topicstore/pkg/events"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <cluster> <topic>",
	Short: "Print a page of stored records as JSON",
	Long: `Runs a query template against the stored records of a topic. The template
is a single SELECT using {:topic}, {:limit} and {:offset}.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _ := cmd.Flags().GetString("query")
		page, _ := cmd.Flags().GetInt("page")
		return invokeLocal(cmd, api.CmdGetRecordsPage, map[string]any{
			"clusterId":  args[0],
			"topic":      args[1],
			"query":      q,
			"pageNumber": page,
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <cluster> <topic>",
	Short: "Export stored records to a CSV file",
	Args:  cobra.ExactArgs(2),
	RunE:  runExport,
}

var offsetsCmd = &cobra.Command{
	Use:   "offsets <cluster> <topic>...",
	Short: "Print the latest offset of every partition of the topics",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return invokeLocal(cmd, api.CmdGetLastOffsets, map[string]any{
			"clusterId":  args[0],
			"topicNames": args[1:],
		})
	},
}

var callCmd = &cobra.Command{
	Use:   "call <command> [json-args]",
	Short: "Invoke a command on a running server",
	Long: `Invokes a command on the server at server.baseURL and prints the JSON
result, e.g.

  topicstore call start_consumer '{"clusterId":"local","topic":"orders","config":{"consumer_start_config":"Beginning"}}'

Arguments are read from stdin when json-args is "-".`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	qf := queryCmd.Flags()
	qf.StringP("query", "q", "", "query template (default orders by timestamp, newest first)")
	qf.IntP("page", "p", 0, "page number")

	ef := exportCmd.Flags()
	ef.StringP("query", "q", "", "query template")
	ef.StringP("output", "o", "", "output CSV file")
	ef.Int64("limit", -1, "maximum number of rows, -1 exports all")
	ef.Bool("overwrite", false, "replace an existing output file")
	ef.Bool("parse-timestamp", false, "write timestamps as ISO-8601")
	exportCmd.MarkFlagRequired("output")

	cf := callCmd.Flags()
	cf.String("url", "", "server base URL (default server.baseURL)")
	cf.StringP("user", "u", "", "basic auth credentials as user:password")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// invokeLocal runs a command against the local store without a server.
func invokeLocal(cmd *cobra.Command, name string, args map[string]any) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	result, err := a.dispatcher.Invoke(cmd.Context(), name, raw)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func runExport(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	q, _ := f.GetString("query")
	output, _ := f.GetString("output")
	limit, _ := f.GetInt64("limit")
	overwrite, _ := f.GetBool("overwrite")
	parseTS, _ := f.GetBool("parse-timestamp")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	evs, unsubscribe := a.bus.Subscribe(4)
	defer unsubscribe()

	raw, err := json.Marshal(map[string]any{
		"clusterId": args[0],
		"topic":     args[1],
		"options": map[string]any{
			"query":          q,
			"outputPath":     output,
			"limit":          limit,
			"overwrite":      overwrite,
			"parseTimestamp": parseTS,
		},
	})
	if err != nil {
		return err
	}
	result, err := a.dispatcher.Invoke(ctx, api.CmdExportRecords, raw)
	if err != nil {
		return err
	}
	taskID := result.(api.ExportStarted).TaskID

	for {
		select {
		case ev := <-evs:
			switch p := ev.Payload.(type) {
			case events.ExportPayload:
				if p.TaskID == taskID {
					fmt.Fprintf(cmd.OutOrStdout(), "exported %d rows to %s\n", p.Rows, p.OutputPath)
					return nil
				}
			case events.ErrorPayload:
				return api.AsError(p)
			}
		case <-ctx.Done():
			a.engine.CancelExport(taskID)
			return ctx.Err()
		}
	}
}

func runCall(cmd *cobra.Command, args []string) error {
	body := "{}"
	if len(args) == 2 {
		body = args[1]
		if body == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			body = string(data)
		}
	}
	if !json.Valid([]byte(body)) {
		return fmt.Errorf("arguments are not valid JSON")
	}

	url, _ := cmd.Flags().GetString("url")
	ccfg := api.DefaultClientConfig(url)
	if url == "" {
		ccfg.BaseURL = cfg.Server.BaseURL
	}
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		ccfg.Username, ccfg.Password, _ = strings.Cut(user, ":")
	}
	ccfg.Logger = logger

	var out json.RawMessage
	if err := api.NewClient(ccfg).Call(cmd.Context(), args[0], json.RawMessage(body), &out); err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(out, &v); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), v)
}
