package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"strata/pkg/auth"
	"strata/pkg/client"
	"strata/pkg/config"
	"strata/pkg/daemon"
	"strata/pkg/master"
	"strata/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool

	masterAddr string
	subject    string
	caPath     string
	certPath   string
	keyPath    string
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Distributed object storage cluster",
		Long: `Strata is a replicated object store. A master computes weighted placement
maps and issues capabilities; storage daemons hold the data and serve
clients directly.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&masterAddr, "master", "m", "localhost:8001", "master address")
	rootCmd.PersistentFlags().StringVar(&subject, "subject", "", "client identity when running without TLS")
	rootCmd.PersistentFlags().StringVar(&caPath, "ca", "", "cluster CA certificate")
	rootCmd.PersistentFlags().StringVar(&certPath, "cert", "", "component certificate")
	rootCmd.PersistentFlags().StringVar(&keyPath, "key", "", "component private key")

	rootCmd.AddCommand(
		masterCmd(),
		daemonCmd(),
		poolCmd(),
		putCmd(),
		getCmd(),
		rmCmd(),
		drainCmd(),
		reweightCmd(),
		rotateKeyCmd(),
		statusCmd(),
		certsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

// authFromFlags builds the TLS configuration shared by every subcommand.
// All three paths must be given together; none means an insecure cluster.
func authFromFlags() (*auth.AuthConfig, error) {
	if caPath == "" && certPath == "" && keyPath == "" {
		return nil, nil
	}
	cfg := &auth.AuthConfig{Enabled: true, CAPath: caPath, CertPath: certPath, KeyPath: keyPath}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrBuildConfig(mode config.Mode) (*config.Config, error) {
	if configFile != "" {
		return config.LoadConfig(configFile)
	}
	cfg := config.LoadFromEnv()
	cfg.Mode = mode
	return cfg, nil
}

func newClient() (*client.Client, error) {
	authConfig, err := authFromFlags()
	if err != nil {
		return nil, err
	}
	if subject == "" {
		subject = "cli-" + uuid.NewString()
	}
	logger := setupLogger(verbose)
	return client.New(masterAddr, subject, authConfig, logger)
}

func masterCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run the cluster master",
		Long:  `Start the control plane: membership, placement maps and capability issuance.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadOrBuildConfig(config.ModeMaster)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Master.Address = address
			}
			if cfg.Auth == nil {
				if cfg.Auth, err = authFromFlags(); err != nil {
					return err
				}
			}

			m, err := master.New(cfg.Master, cfg.Auth, logger)
			if err != nil {
				return err
			}
			if err := m.Start(); err != nil {
				return err
			}

			waitForSignal(logger)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return m.Stop(ctx)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "listen address")
	return cmd
}

func daemonCmd() *cobra.Command {
	var (
		name        string
		address     string
		peerAddress string
		dataDir     string
		weight      uint32
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run a storage daemon",
		Long:  `Start a storage daemon that registers with the master and serves objects.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadOrBuildConfig(config.ModeDaemon)
			if err != nil {
				return err
			}
			if name != "" {
				cfg.Daemon.Name = name
			}
			if address != "" {
				cfg.Daemon.Address = address
			}
			if peerAddress != "" {
				cfg.Daemon.PeerAddress = peerAddress
			}
			if dataDir != "" {
				cfg.Daemon.DataDir = dataDir
			}
			if weight > 0 {
				cfg.Daemon.Weight = weight
			}
			if cmd.Flags().Changed("master") || cfg.Daemon.MasterAddress == "" {
				cfg.Daemon.MasterAddress = masterAddr
			}
			if cfg.Auth == nil {
				if cfg.Auth, err = authFromFlags(); err != nil {
					return err
				}
			}

			d, err := daemon.New(cfg.Daemon, cfg.Auth, logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = d.Start(ctx)
			cancel()
			if err != nil {
				return err
			}

			waitForSignal(logger)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			return d.Stop(stopCtx)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "daemon name (identity without TLS)")
	cmd.Flags().StringVarP(&address, "address", "a", "", "client-facing listen address")
	cmd.Flags().StringVar(&peerAddress, "peer-address", "", "peer-channel listen address")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "object store directory")
	cmd.Flags().Uint32VarP(&weight, "weight", "w", 0, "placement weight")
	return cmd
}

func poolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage storage pools",
	}

	var (
		replicas int
		pgCount  uint32
	)
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			m, err := c.CreatePool(context.Background(), types.PoolName(args[0]), replicas, pgCount)
			if err != nil {
				return err
			}
			fmt.Printf("Pool %s created: %d placement groups, %d replicas, epoch %d\n",
				args[0], m.PGCount, m.Replicas, m.Epoch)
			if m.UnderReplicated {
				fmt.Println("Warning: not enough daemons to hold all replicas yet")
			}
			return nil
		},
	}
	createCmd.Flags().IntVarP(&replicas, "replicas", "r", 2, "replica count")
	createCmd.Flags().Uint32VarP(&pgCount, "pgs", "g", 64, "placement group count")

	cmd.AddCommand(createCmd)
	return cmd
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <pool> <object> [file]",
		Short: "Write an object from a file or stdin",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if len(args) == 3 {
				data, err = os.ReadFile(args[2])
			} else {
				data, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return err
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			n, err := c.Write(context.Background(), types.PoolName(args[0]), args[1], 0, data)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s/%s (%d bytes)\n", args[0], args[1], n)
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <pool> <object> [file]",
		Short: "Read an object to a file or stdout",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			data, err := c.Read(context.Background(), types.PoolName(args[0]), args[1], 0, 0)
			if err != nil {
				return err
			}
			if len(args) == 3 {
				return os.WriteFile(args[2], data, 0644)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <pool> <object>",
		Short: "Delete an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.Delete(context.Background(), types.PoolName(args[0]), args[1]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain <daemon-id>",
		Short: "Gracefully remove a daemon from placement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.Drain(context.Background(), types.DaemonID(args[0])); err != nil {
				return err
			}
			fmt.Printf("Daemon %s draining; its placement groups are migrating away\n", args[0])
			return nil
		},
	}
}

func reweightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reweight <daemon-id> <weight>",
		Short: "Change a daemon's placement weight",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			weight, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid weight %q", args[1])
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.Reweight(context.Background(), types.DaemonID(args[0]), uint32(weight)); err != nil {
				return err
			}
			fmt.Printf("Daemon %s reweighted to %d\n", args[0], weight)
			return nil
		},
	}
}

func rotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate the cluster capability key",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.RotateKey(context.Background()); err != nil {
				return err
			}
			fmt.Println("Cluster key rotated; outstanding capabilities expire after the grace period")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("strata %s\n", version)
		},
	}
}

func waitForSignal(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cluster status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			status, err := c.Status(context.Background())
			if err != nil {
				return err
			}

			var (
				primaryColor = lipgloss.Color("#7571f9")
				okColor      = lipgloss.Color("#42c767")
				warnColor    = lipgloss.Color("#ff9f43")
				dangerColor  = lipgloss.Color("#ff6b6b")

				titleStyle = lipgloss.NewStyle().
						Bold(true).
						Foreground(primaryColor).
						MarginBottom(1)
				okStyle     = lipgloss.NewStyle().Foreground(okColor)
				warnStyle   = lipgloss.NewStyle().Foreground(warnColor)
				dangerStyle = lipgloss.NewStyle().Foreground(dangerColor)
			)

			fmt.Println(titleStyle.Render("Strata Cluster"))

			daemonTable := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
				StyleFunc(func(row, col int) lipgloss.Style {
					switch {
					case row == 0:
						return lipgloss.NewStyle().
							Foreground(lipgloss.Color("#ffffff")).
							Bold(true).
							Padding(0, 1)
					default:
						return lipgloss.NewStyle().
							Padding(0, 1)
					}
				}).
				Headers("DAEMON", "ADDRESS", "WEIGHT", "STATE", "LAST SEEN")

			sort.Slice(status.Daemons, func(i, j int) bool { return status.Daemons[i].ID < status.Daemons[j].ID })
			for _, d := range status.Daemons {
				state := okStyle.Render(string(d.State))
				switch {
				case d.Unreachable:
					state = dangerStyle.Render("unreachable")
				case d.State == types.DaemonDraining:
					state = warnStyle.Render(string(d.State))
				case d.State == types.DaemonGone:
					state = dangerStyle.Render(string(d.State))
				}
				daemonTable.Row(
					shortID(string(d.ID)),
					d.Address,
					strconv.FormatUint(uint64(d.Weight), 10),
					state,
					time.Unix(d.LastSeen, 0).Format("15:04:05"),
				)
			}
			fmt.Println(daemonTable)

			if len(status.Pools) == 0 {
				fmt.Println("No pools")
				return nil
			}

			poolTable := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
				StyleFunc(func(row, col int) lipgloss.Style {
					switch {
					case row == 0:
						return lipgloss.NewStyle().
							Foreground(lipgloss.Color("#ffffff")).
							Bold(true).
							Padding(0, 1)
					default:
						return lipgloss.NewStyle().
							Padding(0, 1)
					}
				}).
				Headers("POOL", "REPLICAS", "PGS", "EPOCH", "HEALTH")

			sort.Slice(status.Pools, func(i, j int) bool { return status.Pools[i].Name < status.Pools[j].Name })
			for _, p := range status.Pools {
				health := okStyle.Render("clean")
				switch {
				case p.Degraded:
					health = dangerStyle.Render("degraded")
				case p.UnderReplicated:
					health = dangerStyle.Render("under-replicated")
				case p.Migrating > 0:
					health = warnStyle.Render(fmt.Sprintf("migrating (%d pgs)", p.Migrating))
				}
				poolTable.Row(
					string(p.Name),
					strconv.Itoa(p.Replicas),
					strconv.FormatUint(uint64(p.PGCount), 10),
					strconv.FormatUint(uint64(p.Epoch), 10),
					health,
				)
			}
			fmt.Println(poolTable)
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func certsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage cluster certificates",
	}

	var (
		dir     string
		cluster string
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the cluster CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := auth.NewCertManager(dir)
			if err != nil {
				return err
			}
			if err := cm.GenerateCA(cluster, 10*365*24*time.Hour); err != nil {
				return err
			}
			fmt.Printf("Cluster CA written to %s\n", dir)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&dir, "dir", "d", "./certs", "CA directory")
	initCmd.Flags().StringVar(&cluster, "cluster", "strata", "cluster name")

	var (
		issueDir  string
		compType  string
		compID    string
		addresses []string
	)
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a component certificate signed by the cluster CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			ct := auth.ComponentType(compType)
			switch ct {
			case auth.ComponentMaster, auth.ComponentDaemon, auth.ComponentClient:
			default:
				return fmt.Errorf("invalid component type %q", compType)
			}
			if compID == "" {
				return fmt.Errorf("component id required")
			}

			cm, err := auth.NewCertManager(issueDir)
			if err != nil {
				return err
			}
			cert, key, err := cm.GenerateCertificate(ct, compID, addresses, 365*24*time.Hour)
			if err != nil {
				return err
			}

			certFile := fmt.Sprintf("%s-%s.crt", compType, compID)
			keyFile := fmt.Sprintf("%s-%s.key", compType, compID)
			if err := cm.SaveCertificate(cert, key, certFile, keyFile); err != nil {
				return err
			}
			fmt.Printf("Issued %s and %s (fingerprint %s)\n", certFile, keyFile, auth.Fingerprint(cert))
			return nil
		},
	}
	issueCmd.Flags().StringVarP(&issueDir, "dir", "d", "./certs", "CA directory")
	issueCmd.Flags().StringVarP(&compType, "type", "t", "daemon", "component type (master, daemon, client)")
	issueCmd.Flags().StringVar(&compID, "id", "", "component identifier")
	issueCmd.Flags().StringSliceVar(&addresses, "addr", nil, "certificate SAN addresses")

	cmd.AddCommand(initCmd, issueCmd)
	return cmd
}
