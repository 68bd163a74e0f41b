package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/theoryrun/theorycore/pkg/adapter"
	"github.com/theoryrun/theorycore/pkg/ledger"
	"github.com/theoryrun/theorycore/pkg/log"
	"github.com/theoryrun/theorycore/pkg/metrics"
	"github.com/theoryrun/theorycore/pkg/orchestrator"
	"github.com/theoryrun/theorycore/pkg/presign"
	"github.com/theoryrun/theorycore/pkg/registry"
	"github.com/theoryrun/theorycore/pkg/runtime"
	"github.com/theoryrun/theorycore/pkg/supervisor"
	"github.com/theoryrun/theorycore/pkg/tools/litellm"
	"github.com/theoryrun/theorycore/pkg/types"
	"github.com/theoryrun/theorycore/pkg/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// main dispatches to the worker harness when this process was re-exec'd
// by worker.Spawn (pkg/worker's contract names this file as its caller),
// otherwise it runs the normal cobra command tree.
func main() {
	if os.Getenv(worker.ReexecEnvVar) == "1" {
		worker.Main(worker.DefaultConfig(), litellm.Entry)
		return
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "theoryctl",
	Short:   "theorycore execution plane CLI",
	Long:    `theoryctl dispatches tool executions to local-containerd or remote-serverless lanes and manages the Local Adapter's running containers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"theoryctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("registry-root", "./registry", "Tool catalog root (registry.yaml tree)")
	rootCmd.PersistentFlags().String("data-dir", "./theorycore-data", "Directory for the registry cache and ledger databases")
	rootCmd.PersistentFlags().String("containerd-socket", "", "containerd socket path (auto-detected if empty)")
	rootCmd.PersistentFlags().String("s3-bucket", "theorycore", "S3 bucket backing the Presigner")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3-compatible endpoint override (empty uses AWS defaults)")
	rootCmd.PersistentFlags().String("world-id", "default", "World this CLI invokes tools on behalf of")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(urlCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// ---- shared construction helpers ----

func openRegistry(cmd *cobra.Command) (*registry.Registry, error) {
	root, _ := cmd.Flags().GetString("registry-root")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return registry.Open(root, filepath.Join(dataDir, "registry-cache.db"))
}

func openPresigner(cmd *cobra.Command) (*presign.Presigner, error) {
	bucket, _ := cmd.Flags().GetString("s3-bucket")
	endpoint, _ := cmd.Flags().GetString("s3-endpoint")

	opts := s3.Options{}
	if endpoint != "" {
		opts.BaseEndpoint = awsv2.String(endpoint)
		opts.UsePathStyle = true
		opts.Region = "us-east-1"
		opts.Credentials = credentials.NewStaticCredentialsProvider(
			os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"), "")
	}
	client := s3.New(opts)
	return presign.New(client, bucket), nil
}

func newLocalAdapter(cmd *cobra.Command) (*adapter.LocalAdapter, error) {
	socket, _ := cmd.Flags().GetString("containerd-socket")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	rt, err := runtime.NewContainerdRuntime(socket)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	artifactsDir := filepath.Join(dataDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return adapter.NewLocalAdapter(rt, filepath.Join(dataDir, "ports.json"), artifactsDir), nil
}

func newOrchestrator(cmd *cobra.Command) (*orchestrator.Orchestrator, error) {
	reg, err := openRegistry(cmd)
	if err != nil {
		return nil, err
	}
	pre, err := openPresigner(cmd)
	if err != nil {
		return nil, err
	}
	dataDir, _ := cmd.Flags().GetString("data-dir")
	l, err := ledger.OpenInDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	adapters := map[string]adapter.Adapter{}
	local, err := newLocalAdapter(cmd)
	if err != nil {
		log.Warn("theoryctl: local adapter unavailable: " + err.Error())
	} else {
		adapters["local"] = local
	}

	discoveryBase := os.Getenv("THEORY_REMOTE_DISCOVERY_URL")
	if discoveryBase != "" {
		adapters["remote"] = &adapter.RemoteAdapter{
			Resolver: &adapter.HTTPPlatformResolver{DiscoveryBaseURL: discoveryBase},
			Env:      envOrDefault("THEORY_ENV", "dev"),
		}
	}

	worldID, _ := cmd.Flags().GetString("world-id")
	return &orchestrator.Orchestrator{
		Registry:     reg,
		Presigner:    pre,
		Ledger:       l,
		Adapters:     adapters,
		WorldID:      worldID,
		RemoteBranch: adapter.CurrentBranch(),
		RemoteUser:   adapter.CurrentUser(),
	}, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseRef(s string) (types.ToolRef, error) {
	return types.ParseToolRef(s)
}

// ---- run ----

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Invoke a tool and print its terminal envelope",
	RunE: func(cmd *cobra.Command, args []string) error {
		refStr, _ := cmd.Flags().GetString("ref")
		modeStr, _ := cmd.Flags().GetString("mode")
		adapterName, _ := cmd.Flags().GetString("adapter")
		build, _ := cmd.Flags().GetBool("build")
		stream, _ := cmd.Flags().GetBool("stream")
		timeoutS, _ := cmd.Flags().GetInt("timeout")
		writePrefix, _ := cmd.Flags().GetString("write-prefix")
		inputsJSON, _ := cmd.Flags().GetString("inputs-json")
		inputsFile, _ := cmd.Flags().GetString("inputs-file")
		plan, _ := cmd.Flags().GetString("plan")
		asJSON, _ := cmd.Flags().GetBool("json")

		ref, err := parseRef(refStr)
		if err != nil {
			return err
		}

		inputs, err := loadInputs(inputsJSON, inputsFile)
		if err != nil {
			return err
		}

		o, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}

		params := orchestrator.InvokeParams{
			Ref:         ref,
			Mode:        types.Mode(modeStr),
			Inputs:      inputs,
			AdapterName: adapterName,
			TimeoutS:    timeoutS,
			WritePrefix: writePrefix,
			Plan:        plan,
		}
		if build {
			params.Lane = types.LaneBuild
		} else {
			params.Lane = types.LanePinned
		}
		if stream {
			params.OnEvent = func(event types.RunEvent) {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", event.Kind, string(event.Content))
			}
		}

		envelope, err := o.Invoke(context.Background(), params)
		if err != nil {
			return err
		}

		if asJSON {
			if err := json.NewEncoder(os.Stdout).Encode(envelope); err != nil {
				return err
			}
			if envelope.Status != "success" {
				os.Exit(1)
			}
			return nil
		}

		fmt.Printf("status: %s\n", envelope.Status)
		if envelope.Error != nil {
			fmt.Printf("error: %s: %s\n", envelope.Error.Code, envelope.Error.Message)
			os.Exit(1)
		}
		for _, out := range envelope.Outputs {
			fmt.Printf("output: %s (%d bytes)\n", out.Path, out.SizeBytes)
		}
		return nil
	},
}

func loadInputs(inputsJSON, inputsFile string) (map[string]interface{}, error) {
	var raw []byte
	switch {
	case inputsFile != "":
		data, err := os.ReadFile(inputsFile)
		if err != nil {
			return nil, fmt.Errorf("read inputs file: %w", err)
		}
		raw = data
	case inputsJSON != "":
		raw = []byte(inputsJSON)
	default:
		return map[string]interface{}{}, nil
	}
	var inputs map[string]interface{}
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("parse inputs: %w", err)
	}
	return inputs, nil
}

func init() {
	runCmd.Flags().String("ref", "", "Tool reference, ns/name@version (required)")
	runCmd.Flags().String("mode", "mock", "Execution mode: mock|real")
	runCmd.Flags().String("adapter", "local", "Dispatch lane: local|remote")
	runCmd.Flags().Bool("build", false, "Use the build lane (newest locally built image) instead of the pinned digest")
	runCmd.Flags().Bool("stream", false, "Relay non-terminal events to stderr as they arrive")
	runCmd.Flags().Int("timeout", 0, "Timeout in seconds (0 uses the tool's default)")
	runCmd.Flags().String("write-prefix", "", "Override the default /artifacts write prefix")
	runCmd.Flags().String("inputs-json", "", "Inline JSON object of tool inputs")
	runCmd.Flags().String("inputs-file", "", "Path to a JSON file of tool inputs")
	runCmd.Flags().String("plan", "", "Ledger plan key to settle this execution against")
	runCmd.Flags().Bool("json", false, "Print the full envelope as JSON")
	_ = runCmd.MarkFlagRequired("ref")
}

// ---- start / stop / status / url / logs (Local Adapter lifecycle) ----

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start (or reuse) a tool's local container",
	RunE: func(cmd *cobra.Command, args []string) error {
		refStr, _ := cmd.Flags().GetString("ref")
		platformStr, _ := cmd.Flags().GetString("platform")
		ref, err := parseRef(refStr)
		if err != nil {
			return err
		}

		reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		spec, _, err := reg.Load(ref)
		if err != nil {
			return fmt.Errorf("load %s: %w", ref, err)
		}

		a, err := newLocalAdapter(cmd)
		if err != nil {
			return err
		}

		platform := types.Platform(platformStr)
		if platform == "" {
			platform = spec.DefaultPlatform
		}
		expected := ""
		if d, ok := spec.Platforms[platform]; ok {
			expected = d
		}

		info, err := a.Start(context.Background(), ref, spec, adapter.StartOptions{
			Platform:       platform,
			ExpectedDigest: expected,
		})
		if err != nil {
			return fmt.Errorf("start %s: %w", ref, err)
		}
		fmt.Printf("container %s listening on http://127.0.0.1:%d (image %s)\n", info.ID, info.Port, info.Image)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop tool containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		refStr, _ := cmd.Flags().GetString("ref")
		all, _ := cmd.Flags().GetBool("all")
		if refStr == "" && !all {
			return fmt.Errorf("specify --ref or --all")
		}

		a, err := newLocalAdapter(cmd)
		if err != nil {
			return err
		}

		var refPtr *types.ToolRef
		if !all {
			ref, err := parseRef(refStr)
			if err != nil {
				return err
			}
			refPtr = &ref
		}

		ids, err := a.Stop(context.Background(), refPtr)
		if err != nil {
			return err
		}
		fmt.Printf("stopped %d container(s)\n", len(ids))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report running/stopped state of tool containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		refStr, _ := cmd.Flags().GetString("ref")

		a, err := newLocalAdapter(cmd)
		if err != nil {
			return err
		}

		var refPtr *types.ToolRef
		if refStr != "" {
			ref, err := parseRef(refStr)
			if err != nil {
				return err
			}
			refPtr = &ref
		}

		states, err := a.Status(context.Background(), refPtr)
		if err != nil {
			return err
		}
		for id, running := range states {
			fmt.Printf("%s\trunning=%t\n", id, running)
		}
		return nil
	},
}

var urlCmd = &cobra.Command{
	Use:   "url",
	Short: "Print the base URL of a running local container",
	RunE: func(cmd *cobra.Command, args []string) error {
		refStr, _ := cmd.Flags().GetString("ref")
		ref, err := parseRef(refStr)
		if err != nil {
			return err
		}

		a, err := newLocalAdapter(cmd)
		if err != nil {
			return err
		}

		url, err := a.URL(ref)
		if err != nil {
			return err
		}
		fmt.Println(url)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print a tool container's captured stderr tail",
	RunE: func(cmd *cobra.Command, args []string) error {
		refStr, _ := cmd.Flags().GetString("ref")
		tail, _ := cmd.Flags().GetInt("tail")
		ref, err := parseRef(refStr)
		if err != nil {
			return err
		}

		a, err := newLocalAdapter(cmd)
		if err != nil {
			return err
		}

		data, err := a.Logs(context.Background(), ref, tail)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{startCmd, statusCmd, urlCmd, logsCmd} {
		c.Flags().String("ref", "", "Tool reference, ns/name@version")
	}
	_ = startCmd.MarkFlagRequired("ref")
	_ = urlCmd.MarkFlagRequired("ref")
	_ = logsCmd.MarkFlagRequired("ref")
	startCmd.Flags().String("platform", "", "Target platform (amd64|arm64); defaults to the tool's default_platform")
	stopCmd.Flags().String("ref", "", "Tool reference, ns/name@version")
	stopCmd.Flags().Bool("all", false, "Stop every theorycore-managed container")
	logsCmd.Flags().Int("tail", 2048, "Max bytes of stderr to print")
}

// ---- serve (Container Supervisor entrypoint for a tool image) ----

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the Container Supervisor's /run and /healthz for this image",
	Long: `serve is the entrypoint a tool's own container image runs: it hosts
the theory.run.v1 WebSocket protocol and re-execs this same binary as the
worker harness for each execution (see THEORY_WORKER_REEXEC).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		digest := os.Getenv("IMAGE_DIGEST")
		if digest == "" {
			digest = "unknown"
		}

		sup := supervisor.New(digest)

		if metricsAddr != "" && metricsAddr != addr {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				log.Warn(fmt.Sprintf("metrics server exited: %v", http.ListenAndServe(metricsAddr, mux)))
			}()
		}

		mux := http.NewServeMux()
		mux.Handle("/", sup.Handler())
		if metricsAddr == addr {
			mux.Handle("/metrics", metrics.Handler())
		}

		log.Info("theoryctl serve: listening on " + addr + " (image digest " + digest + ")")
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		return srv.ListenAndServe()
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8000", "Address to serve /run and /healthz on")
	serveCmd.Flags().String("metrics-addr", "", "Address to serve /metrics on (empty disables it)")
}
