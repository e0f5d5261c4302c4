// Odemis-cli - command line access to the components of running backends
//
// Usage:
//
//	odemis-cli [-config path] [-container name] <command> [arguments]
//
// Commands:
//
//	list                          containers of the directory and their components
//	history [container]           latest binds and releases of container names
//	describe <comp>               descriptor of a component
//	get <comp> <va>               current value of a VA
//	set <comp> <va> <json>        write a VA
//	call <comp> <method> [json]   invoke a method, waiting for a returned future
//	watch <comp> <va|dataflow>    print changes or data until interrupted
//
// Values are read and printed as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/delmic/odemis-sub009/internal/audit"
	"github.com/delmic/odemis-sub009/internal/auth"
	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/dataflow"
	"github.com/delmic/odemis-sub009/internal/directory"
	"github.com/delmic/odemis-sub009/internal/future"
	"github.com/delmic/odemis-sub009/internal/infrastructure/config"
	"github.com/delmic/odemis-sub009/internal/infrastructure/database"
	"github.com/delmic/odemis-sub009/internal/infrastructure/logging"
	"github.com/delmic/odemis-sub009/internal/registry"
	"github.com/delmic/odemis-sub009/internal/va"
	"github.com/delmic/odemis-sub009/migrations"
)

var version = "dev"

// errUsage is returned for malformed command lines.
var errUsage = errors.New("usage: odemis-cli [-config path] [-container name] list|history|describe|get|set|call|watch ...")

// listTimeout bounds each REST request of the list command.
const listTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli holds what the commands share.
type cli struct {
	cfg       *config.Config
	container string
	dir       *directory.Directory
	journal   audit.Repository
	reg       *registry.Registry

	mu  sync.Mutex // serialises writes to out
	out io.Writer
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("odemis-cli", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "configuration file (defaults and ODEMIS_* variables otherwise)")
	container := fs.String("container", "", "container of the components (default: backend.container)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	if *container == "" {
		*container = cfg.Backend.Container
	}

	// Diagnostics of the runtime would interleave with the command output.
	log := logging.NewWithWriter(os.Stderr, config.LoggingConfig{Level: "error", Format: "text"}, version)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Directory.Path,
		WALMode:     cfg.Directory.WALMode,
		BusyTimeout: cfg.Directory.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening directory: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrating directory: %w", err)
	}
	journal := audit.NewSQLiteRepository(db.DB)
	dir := directory.New(db.DB)
	dir.SetJournal(journal)

	reg, err := registry.New(registry.Deps{
		Directory: dir,
		Transport: cfg.Transport,
		Security:  cfg.Security,
		Logger:    log,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating registry: %w", err)
	}
	defer reg.Close()

	c := &cli{cfg: cfg, container: *container, dir: dir, journal: journal, reg: reg, out: out}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "list":
		return c.list(ctx)
	case "history":
		if len(rest) > 1 {
			return errUsage
		}
		return c.history(ctx, rest)
	case "describe":
		if len(rest) != 1 {
			return errUsage
		}
		return c.describe(ctx, rest[0])
	case "get":
		if len(rest) != 2 {
			return errUsage
		}
		return c.get(ctx, rest[0], rest[1])
	case "set":
		if len(rest) != 3 {
			return errUsage
		}
		return c.set(ctx, rest[0], rest[1], rest[2])
	case "call":
		if len(rest) < 2 {
			return errUsage
		}
		return c.call(ctx, rest[0], rest[1], rest[2:])
	case "watch":
		if len(rest) != 2 {
			return errUsage
		}
		return c.watch(ctx, rest[0], rest[1])
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (c *cli) lookup(ctx context.Context, name string) (component.Proxy, error) {
	return c.reg.LookupName(ctx, c.container, name)
}

func (c *cli) print(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}

// componentList is the answer of GET /api/v1/components.
type componentList struct {
	Components []struct {
		Ref  component.Ref `json:"ref"`
		Role string        `json:"role"`
	} `json:"components"`
}

func (c *cli) list(ctx context.Context) error {
	entries, err := c.dir.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !c.dir.Alive(e) {
			fmt.Fprintf(c.out, "%s\t%s\tstale (pid %d)\n", e.Name, e.URL, e.PID)
			continue
		}
		fmt.Fprintf(c.out, "%s\t%s\tpid %d\n", e.Name, e.URL, e.PID)

		comps, err := c.fetchComponents(ctx, e.URL)
		if err != nil {
			fmt.Fprintf(c.out, "\t(%v)\n", err)
			continue
		}
		for _, comp := range comps.Components {
			fmt.Fprintf(c.out, "\t%s\t%s\n", comp.Ref.Name, comp.Role)
		}
	}
	return nil
}

// historyLength is the number of events printed by the history command.
const historyLength = 20

func (c *cli) history(ctx context.Context, args []string) error {
	filter := audit.Filter{Limit: historyLength}
	if len(args) == 1 {
		filter.Container = args[0]
	}
	res, err := c.journal.List(ctx, filter)
	if err != nil {
		return err
	}
	for _, e := range res.Events {
		fmt.Fprintf(c.out, "%s\t%s\t%s\tpid %d on %s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Action, e.Container, e.PID, e.Host)
	}
	return nil
}

// fetchComponents lists the components of the container served at wsURL
// through its REST endpoint.
func (c *cli) fetchComponents(ctx context.Context, wsURL string) (*componentList, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", wsURL, err)
	}
	u.Scheme = "http"
	u.Path = "/api/v1/components"

	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if secret := c.cfg.Security.JWT.Secret; secret != "" {
		token, err := auth.GenerateAccessToken("odemis-cli", auth.RoleObserver, secret, c.cfg.Security.JWT.GetAccessTokenTTL())
		if err != nil {
			return nil, fmt.Errorf("issuing token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing components: %s", resp.Status)
	}
	var list componentList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding component list: %w", err)
	}
	return &list, nil
}

func (c *cli) describe(ctx context.Context, name string) error {
	p, err := c.lookup(ctx, name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(p.Describe(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}

func (c *cli) vaProxy(ctx context.Context, comp, name string) (component.VAProxy, error) {
	p, err := c.lookup(ctx, comp)
	if err != nil {
		return nil, err
	}
	return p.VA(name)
}

func (c *cli) get(ctx context.Context, comp, name string) error {
	v, err := c.vaProxy(ctx, comp, name)
	if err != nil {
		return err
	}
	value, err := v.Value(ctx)
	if err != nil {
		return err
	}
	return c.print(value)
}

func (c *cli) set(ctx context.Context, comp, name, raw string) error {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("%w: %s is not JSON: %v", va.ErrType, raw, err)
	}
	v, err := c.vaProxy(ctx, comp, name)
	if err != nil {
		return err
	}
	if err := v.Set(ctx, value); err != nil {
		return err
	}
	value, err = v.Value(ctx)
	if err != nil {
		return err
	}
	return c.print(value)
}

// call invokes method. A single JSON object argument naming only declared
// parameters is passed as keyword arguments.
func (c *cli) call(ctx context.Context, comp, method string, raw []string) error {
	p, err := c.lookup(ctx, comp)
	if err != nil {
		return err
	}

	args := make([]any, 0, len(raw))
	for _, r := range raw {
		var a any
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			return fmt.Errorf("%w: argument %s is not JSON: %v", component.ErrArgument, r, err)
		}
		args = append(args, a)
	}

	md, declared := p.Describe().Methods[method]
	if declared && md.Oneway {
		return p.InvokeOneway(ctx, method, args...)
	}

	var result any
	if kwargs, ok := keywordArgs(args, md.Params); declared && ok {
		result, err = p.InvokeKw(ctx, method, nil, kwargs)
	} else {
		result, err = p.Invoke(ctx, method, args...)
	}
	if err != nil {
		return err
	}

	var f *future.Future
	switch r := result.(type) {
	case *future.ProgressiveFuture:
		f = r.Future
	case *future.Future:
		f = r
	default:
		return c.print(result)
	}

	select {
	case <-f.Done():
	case <-ctx.Done():
		f.Cancel()
	}
	result, err = f.Result(context.Background())
	if err != nil {
		return err
	}
	return c.print(result)
}

// watch prints the changes of a VA, or the arrays of a DataFlow, until ctx
// ends.
func (c *cli) watch(ctx context.Context, comp, name string) error {
	p, err := c.lookup(ctx, comp)
	if err != nil {
		return err
	}

	if v, err := p.VA(name); err == nil {
		l := va.Func(func(value any) {
			c.print(value) //nolint:errcheck // Best-effort: stdout closed means nobody is watching
		})
		if err := v.Subscribe(ctx, l, true); err != nil {
			return err
		}
		<-ctx.Done()
		return v.Unsubscribe(context.Background(), l)
	}

	df, err := p.DataFlow(name)
	if err != nil {
		return fmt.Errorf("%w: %s has no VA or DataFlow %q", component.ErrNoAttribute, comp, name)
	}
	l := dataflow.Func(func(data *dataflow.DataArray) {
		//nolint:errcheck // Best-effort: stdout closed means nobody is watching
		c.print(map[string]any{
			"shape":    data.Shape,
			"sequence": data.Metadata[dataflow.MDSequence],
			"min":      minOf(data.Values),
			"max":      maxOf(data.Values),
		})
	})
	if err := df.Subscribe(ctx, l); err != nil {
		return err
	}
	<-ctx.Done()
	return df.Unsubscribe(context.Background(), l)
}

// keywordArgs returns the arguments as keyword arguments when they are a
// single JSON object whose keys are all parameter names.
func keywordArgs(args []any, params []string) (map[string]any, bool) {
	if len(args) != 1 || len(params) == 0 {
		return nil, false
	}
	m, ok := args[0].(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !slices.Contains(params, k) {
			return nil, false
		}
	}
	return m, true
}

func minOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		m = min(m, v)
	}
	return m
}

func maxOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		m = max(m, v)
	}
	return m
}
