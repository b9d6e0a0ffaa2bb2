package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/analytics-sql/goanalytics/pool"
	"github.com/analytics-sql/goanalytics/protocol"
)

// FileConfig represents the YAML configuration file structure
type FileConfig struct {
	Host            string            `yaml:"host"`
	Username        string            `yaml:"username"`
	Password        string            `yaml:"password"`
	ConnectTimeout  string            `yaml:"connect_timeout"` // e.g., "30s"
	Dataverse       string            `yaml:"dataverse"`
	ScanConsistency string            `yaml:"scan_consistency"`
	ScanWait        string            `yaml:"scan_wait"`
	EnablePlainSasl bool              `yaml:"enable_plain_sasl"`
	TLS             TLSFileConfig     `yaml:"tls"`
	ClientCert      ClientCertConfig  `yaml:"client_cert"`
	Properties      map[string]string `yaml:"properties"`
}

type TLSFileConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Mode             string `yaml:"mode"` // verify-full, verify-ca, no-verify
	CertPath         string `yaml:"cert_path"`
	KeystorePath     string `yaml:"keystore_path"`
	KeystorePassword string `yaml:"keystore_password"`
}

type ClientCertConfig struct {
	Enabled          bool   `yaml:"enabled"`
	KeystorePath     string `yaml:"keystore_path"`
	KeystorePassword string `yaml:"keystore_password"`
	CertPath         string `yaml:"cert_path"`
	KeyPath          string `yaml:"key_path"`
	KeyPassword      string `yaml:"key_password"`
}

// loadConfigFile loads configuration from a YAML file
func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// env returns the environment variable value or a default
func env(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func main() {
	configFile := flag.String("config", env("GOANALYTICS_CONFIG", ""), "Path to YAML config file (env: GOANALYTICS_CONFIG)")
	host := flag.String("host", "", "Analytics service address, host:port (env: GOANALYTICS_HOST)")
	user := flag.String("user", "", "Username (env: GOANALYTICS_USERNAME)")
	password := flag.String("password", "", "Password (env: GOANALYTICS_PASSWORD)")
	connectTimeout := flag.String("connect-timeout", "", "Readiness wait budget, e.g. 30s (env: GOANALYTICS_CONNECT_TIMEOUT)")
	dataverse := flag.String("dataverse", "", "Default dataverse for statements (env: GOANALYTICS_DATAVERSE)")
	scanConsistency := flag.String("scan-consistency", "", "Scan consistency: requestPlus or notBounded (env: GOANALYTICS_SCAN_CONSISTENCY)")
	scanWait := flag.String("scan-wait", "", "Scan wait duration, e.g. 5s (env: GOANALYTICS_SCAN_WAIT)")
	ssl := flag.Bool("ssl", false, "Connect over TLS (env: GOANALYTICS_SSL)")
	sslMode := flag.String("ssl-mode", "", "TLS verification mode: verify-full, verify-ca, no-verify (env: GOANALYTICS_SSL_MODE)")
	sslCert := flag.String("ssl-cert", "", "Path to PEM trust certificates (env: GOANALYTICS_SSL_CERT_PATH)")
	timeoutSeconds := flag.Int("timeout", 0, "Statement timeout in seconds, 0 means unbounded")
	compileOnly := flag.Bool("compile-only", false, "Compile the statement without executing it")
	readOnly := flag.Bool("read-only", false, "Reject statements that modify data")
	maxWarnings := flag.Int("max-warnings", 0, "Maximum number of warnings the server may report")
	ping := flag.Bool("ping", false, "Probe service liveness and exit")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "goanalytics - SQL statement runner for distributed analytics services\n\n")
		fmt.Fprintf(os.Stderr, "Usage: goanalytics [options] <statement>\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_CONFIG            Path to YAML config file\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_HOST              Service address (default: localhost:8095)\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_USERNAME          Username\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_PASSWORD          Password\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_CONNECT_TIMEOUT   Readiness wait budget, e.g. 30s\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_DATAVERSE         Default dataverse\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_SCAN_CONSISTENCY  requestPlus or notBounded\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_SCAN_WAIT         Scan wait duration, e.g. 5s\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_SSL               Connect over TLS (true/false)\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_SSL_MODE          verify-full, verify-ca, no-verify\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_SSL_CERT_PATH     Path to PEM trust certificates\n")
		fmt.Fprintf(os.Stderr, "  GOANALYTICS_OTLP_ENDPOINT     Ship logs over OTLP to this endpoint\n")
		fmt.Fprintf(os.Stderr, "\nPrecedence: CLI flags > environment variables > config file > defaults\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	shutdownLogging := initLogging()
	defer shutdownLogging()

	var fileCfg *FileConfig
	if *configFile != "" {
		loaded, err := loadConfigFile(*configFile)
		if err != nil {
			slog.Error("Failed to load config file.", "path", *configFile, "error", err)
			os.Exit(1)
		}
		slog.Info("Loaded configuration.", "path", *configFile)
		fileCfg = loaded
	}

	cli := configCLIInputs{
		Set:             map[string]bool{},
		Host:            *host,
		Username:        *user,
		Password:        *password,
		ConnectTimeout:  *connectTimeout,
		Dataverse:       *dataverse,
		ScanConsistency: *scanConsistency,
		ScanWait:        *scanWait,
		SSL:             *ssl,
		SSLMode:         *sslMode,
		SSLCertPath:     *sslCert,
	}
	flag.Visit(func(f *flag.Flag) { cli.Set[f.Name] = true })

	cfg := resolveEffectiveConfig(fileCfg, cli, os.Getenv, func(msg string) {
		slog.Warn(msg)
	})

	coord, err := pool.NewCoordinate(cfg.Host, cfg.Username, cfg.Password, cfg.Properties, cfg.ConnectTimeout)
	if err != nil {
		slog.Error("Invalid connection configuration.", "error", err)
		os.Exit(1)
	}

	mgr := pool.NewManager()
	defer mgr.ShutdownAll()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mgr, coord, runOptions{
		statement:      flag.Arg(0),
		dataverse:      cfg.Dataverse,
		timeoutSeconds: *timeoutSeconds,
		compileOnly:    *compileOnly,
		readOnly:       *readOnly,
		maxWarnings:    *maxWarnings,
		ping:           *ping,
	}); err != nil {
		if pool.IsAuthenticationFailure(err) {
			slog.Error("Invalid credentials.", "error", err)
			os.Exit(2)
		}
		slog.Error("Statement failed.", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	statement      string
	dataverse      string
	timeoutSeconds int
	compileOnly    bool
	readOnly       bool
	maxWarnings    int
	ping           bool
}

// run connects, executes the statement in deferred mode and streams the
// result rows to stdout, one JSON document per line.
func run(ctx context.Context, mgr *pool.Manager, coord pool.Coordinate, opts runOptions) error {
	handle, err := mgr.Acquire(ctx, coord)
	if err != nil {
		return err
	}

	proto, err := protocol.New(handle)
	if err != nil {
		_ = handle.Close()
		return err
	}
	defer proto.Close()

	banner, err := proto.Connect(ctx)
	if err != nil {
		return err
	}
	slog.Info("Connected.", "server", banner, "address", coord.ConnectionString())

	if opts.ping {
		if !proto.Ping(ctx, opts.timeoutSeconds) {
			return fmt.Errorf("service did not answer the liveness probe")
		}
		fmt.Println("OK")
		return nil
	}

	if opts.statement == "" {
		return fmt.Errorf("no statement given")
	}

	proto.SetMaxWarnings(opts.maxWarnings)

	executionID := uuid.NewString()
	submitOpts := protocol.SubmitOptions{
		CompileOnly:    opts.compileOnly,
		ReadOnly:       opts.readOnly,
		TimeoutSeconds: opts.timeoutSeconds,
		Dataverse:      opts.dataverse,
		ExecutionID:    executionID,
	}

	// Cancel the in-flight statement on SIGINT so the service does not keep
	// executing after the process is gone.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := proto.Cancel(context.Background(), executionID); err != nil {
				slog.Warn("Failed to cancel statement.", "execution_id", executionID, "error", err)
			}
		case <-done:
		}
	}()

	exec, err := proto.Submit(ctx, opts.statement, nil, submitOpts)
	if err != nil {
		return err
	}
	if len(exec.Errors) > 0 {
		for _, qe := range exec.Errors {
			slog.Error("Statement error.", "code", qe.Code, "message", qe.Msg)
		}
		return fmt.Errorf("statement failed with %d error(s)", len(exec.Errors))
	}

	if opts.compileOnly {
		slog.Info("Statement compiled.", "status", exec.Status)
		return nil
	}

	rows, err := proto.Fetch(ctx, exec, submitOpts)
	if err != nil {
		return err
	}
	defer rows.Close()

	return printRows(rows, os.Stdout)
}

// printRows reads the framed JSON array off the stream and writes each row
// on its own line.
func printRows(rows io.Reader, out io.Writer) error {
	dec := json.NewDecoder(rows)

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read result stream: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("unexpected result stream start %v", tok)
	}

	enc := json.NewEncoder(out)
	for dec.More() {
		var row json.RawMessage
		if err := dec.Decode(&row); err != nil {
			return fmt.Errorf("failed to decode result row: %w", err)
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}
