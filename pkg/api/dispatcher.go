// Package api exposes the topicstore operations as named commands taking JSON
// arguments, over HTTP and in-process, and streams bus events to websocket
// clients.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/edgeflare/topicstore/pkg/events"
	"github.com/edgeflare/topicstore/pkg/feed"
	"github.com/edgeflare/topicstore/pkg/ingest"
	"github.com/edgeflare/topicstore/pkg/query"
	"github.com/edgeflare/topicstore/pkg/session"
	"go.uber.org/zap"
)

// Command names.
const (
	CmdStartConsumer    = "start_consumer"
	CmdStopConsumer     = "stop_consumer"
	CmdGetConsumerState = "get_consumer_state"
	CmdGetRecordsPage   = "get_records_page"
	CmdExportRecords    = "export_records"
	CmdGetLastOffsets   = "get_last_offsets"
	CmdClearRecords     = "clear_records"
	CmdCloseCluster     = "close_cluster"
	CmdCancelExport     = "cancel_export"
	CmdListSessions     = "list_sessions"
)

type command func(ctx context.Context, args json.RawMessage) (any, error)

// Dispatcher routes commands to the session registry and the query engine.
type Dispatcher struct {
	registry *session.Registry
	engine   *query.Engine
	bus      *events.Bus
	logger   *zap.Logger
	commands map[string]command
}

// NewDispatcher wires the command table. bus may be nil.
func NewDispatcher(registry *session.Registry, engine *query.Engine, bus *events.Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		registry: registry,
		engine:   engine,
		bus:      bus,
		logger:   logger.Named("api"),
	}
	d.commands = map[string]command{
		CmdStartConsumer:    d.startConsumer,
		CmdStopConsumer:     d.stopConsumer,
		CmdGetConsumerState: d.consumerState,
		CmdGetRecordsPage:   d.recordsPage,
		CmdExportRecords:    d.exportRecords,
		CmdGetLastOffsets:   d.lastOffsets,
		CmdClearRecords:     d.clearRecords,
		CmdCloseCluster:     d.closeCluster,
		CmdCancelExport:     d.cancelExport,
		CmdListSessions:     d.listSessions,
	}
	return d
}

// Commands lists the command names in alphabetical order.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named command. Errors are always *Error.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	cmd, ok := d.commands[name]
	if !ok {
		return nil, AsError(fmt.Errorf("%w: %q", ErrUnknownCommand, name))
	}
	result, err := cmd(ctx, args)
	if err != nil {
		d.logger.Debug("command failed", zap.String("command", name), zap.Error(err))
		return nil, AsError(err)
	}
	return result, nil
}

type topicArgs struct {
	ClusterID string `json:"clusterId"`
	Topic     string `json:"topic"`
}

func (a topicArgs) validate() error {
	if a.ClusterID == "" || a.Topic == "" {
		return fmt.Errorf("%w: clusterId and topic are required", ErrInvalidArgs)
	}
	return nil
}

func (a topicArgs) target() query.Target {
	return query.Target{ClusterID: a.ClusterID, Topic: a.Topic}
}

type startArgs struct {
	topicArgs
	Config ingest.Options `json:"config"`
}

type pageArgs struct {
	topicArgs
	Query      string `json:"query"`
	PageNumber int    `json:"pageNumber"`
}

type exportArgs struct {
	topicArgs
	Options query.ExportOptions `json:"options"`
}

type offsetsArgs struct {
	ClusterID  string   `json:"clusterId"`
	TopicNames []string `json:"topicNames"`
}

type clusterArgs struct {
	ClusterID string `json:"clusterId"`
}

type taskArgs struct {
	TaskID string `json:"taskId"`
}

// ExportStarted is the result of export_records.
type ExportStarted struct {
	TaskID string `json:"taskId"`
}

func decode(args json.RawMessage, v any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// startConsumer returns once offsets are resolved and the consume loop runs.
// Start failures are returned and also published on the error event.
func (d *Dispatcher) startConsumer(ctx context.Context, raw json.RawMessage) (any, error) {
	var args startArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}

	err := d.start(ctx, args)
	if err != nil && d.bus != nil {
		d.bus.PublishError(err)
	}
	return nil, err
}

func (d *Dispatcher) start(ctx context.Context, args startArgs) error {
	c, err := d.registry.GetOrCreate(ctx, args.ClusterID, args.Topic)
	if err != nil {
		return err
	}
	return c.Start(ctx, args.Config)
}

func (d *Dispatcher) stopConsumer(ctx context.Context, raw json.RawMessage) (any, error) {
	var args topicArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	c, ok := d.registry.Lookup(args.ClusterID, args.Topic)
	if !ok {
		return nil, fmt.Errorf("%w: no consumer for %s/%s", ingest.ErrNotRunning, args.ClusterID, args.Topic)
	}
	return nil, c.Stop(ctx)
}

func (d *Dispatcher) consumerState(_ context.Context, raw json.RawMessage) (any, error) {
	var args topicArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	c, ok := d.registry.Lookup(args.ClusterID, args.Topic)
	if !ok {
		return ingest.Status{State: ingest.Idle}, nil
	}
	return c.Status(), nil
}

func (d *Dispatcher) recordsPage(ctx context.Context, raw json.RawMessage) (any, error) {
	var args pageArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	if args.PageNumber < 0 {
		return nil, fmt.Errorf("%w: pageNumber must not be negative", ErrInvalidArgs)
	}
	return d.engine.Page(ctx, args.target(), args.Query, args.PageNumber)
}

func (d *Dispatcher) exportRecords(ctx context.Context, raw json.RawMessage) (any, error) {
	var args exportArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	id, err := d.engine.Export(ctx, args.target(), args.Options)
	if err != nil {
		return nil, err
	}
	return ExportStarted{TaskID: id}, nil
}

func (d *Dispatcher) lastOffsets(ctx context.Context, raw json.RawMessage) (any, error) {
	var args offsetsArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.ClusterID == "" {
		return nil, fmt.Errorf("%w: clusterId is required", ErrInvalidArgs)
	}
	if len(args.TopicNames) == 0 {
		return map[string][]feed.PartitionOffset{}, nil
	}
	return d.registry.LastOffsets(ctx, args.ClusterID, args.TopicNames)
}

// clearRecords stops the consumer of the topic and drops its table.
func (d *Dispatcher) clearRecords(ctx context.Context, raw json.RawMessage) (any, error) {
	var args topicArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	d.engine.Forget(args.target())
	return nil, d.registry.Remove(ctx, args.ClusterID, args.Topic, true)
}

func (d *Dispatcher) closeCluster(ctx context.Context, raw json.RawMessage) (any, error) {
	var args clusterArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.ClusterID == "" {
		return nil, fmt.Errorf("%w: clusterId is required", ErrInvalidArgs)
	}
	return nil, d.registry.CloseCluster(ctx, args.ClusterID)
}

func (d *Dispatcher) cancelExport(_ context.Context, raw json.RawMessage) (any, error) {
	var args taskArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, fmt.Errorf("%w: taskId is required", ErrInvalidArgs)
	}
	return nil, d.engine.CancelExport(args.TaskID)
}

func (d *Dispatcher) listSessions(context.Context, json.RawMessage) (any, error) {
	return d.registry.Sessions(), nil
}
