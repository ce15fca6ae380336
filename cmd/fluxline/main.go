package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fluxline/internal/config"
	"fluxline/internal/db"
	"fluxline/internal/domain"
	"fluxline/internal/engine"
	"fluxline/internal/migrate"
	"fluxline/internal/repo"
	"fluxline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fluxline",
	Short: "Fluxline CLI",
	Long: `Fluxline streams value from a sender to a recipient over time.
A sender locks a deposit into a holding account; the recipient earns it
second by second (after an optional cliff) and withdraws whenever they like.
The sender or the ledger admin can pause, resume, or cancel a stream;
cancelling refunds whatever had not yet been earned.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLUXLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(streamCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var asset, admin string
	var writeConfig bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialise the ledger (write-once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := e.InitLedger(ctx, asset, admin)
				if err != nil {
					return err
				}
				if writeConfig {
					path := config.Path(viper.GetString("workspace"))
					if err := os.WriteFile(path, []byte(config.GenerateDefault(asset, admin)), 0o644); err != nil {
						return err
					}
					fmt.Println("wrote", path)
				}
				return printJSON(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "asset identifier the ledger moves")
	cmd.Flags().StringVar(&admin, "admin", "", "admin account address")
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "write a fluxline.yml template")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the ledger configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := r.GetLedgerConfig(ctx, nil)
				if err != nil {
					return err
				}
				return printJSON(cfg)
			})
		},
	}
	return cmd
}

func accountCmd() *cobra.Command {
	acct := &cobra.Command{Use: "account", Short: "Manage accounts"}
	acct.AddCommand(accountCreateCmd())
	acct.AddCommand(accountFundCmd())
	acct.AddCommand(accountBalanceCmd())
	acct.AddCommand(accountListCmd())
	return acct
}

func accountCreateCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an account controlled by the calling actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAccount(ctx, viper.GetString("actor-id"), address)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "account address")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func accountFundCmd() *cobra.Command {
	var address string
	var amount int64
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Mint units into an account (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.FundAccount(ctx, viper.GetString("actor-id"), address, amount); err != nil {
					return err
				}
				balance, err := e.Balance(ctx, address)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"address": address, "balance": balance})
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "account address")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to mint")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func accountBalanceCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show an account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				balance, err := e.Balance(ctx, address)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"address": address, "balance": balance})
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "account address")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func accountListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAccounts(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Address", "Owner", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Address, a.OwnerActor, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owning actor")
	return cmd
}

func streamCmd() *cobra.Command {
	stream := &cobra.Command{Use: "stream", Short: "Manage streams"}
	stream.AddCommand(streamCreateCmd())
	stream.AddCommand(streamShowCmd())
	stream.AddCommand(streamListCmd())
	stream.AddCommand(streamAccruedCmd())
	stream.AddCommand(streamTransitionCmd("pause", "Pause an active stream",
		engine.Engine.PauseStream, engine.Engine.PauseStreamAsAdmin))
	stream.AddCommand(streamTransitionCmd("resume", "Resume a paused stream",
		engine.Engine.ResumeStream, engine.Engine.ResumeStreamAsAdmin))
	stream.AddCommand(streamTransitionCmd("cancel", "Cancel a stream and refund the unstreamed remainder",
		engine.Engine.CancelStream, engine.Engine.CancelStreamAsAdmin))
	stream.AddCommand(streamWithdrawCmd())
	return stream
}

func streamCreateCmd() *cobra.Command {
	var sender, recipient string
	var deposit, rate, start, cliff, end, duration int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if start == 0 {
					start = time.Now().Unix()
				}
				if end == 0 && duration > 0 {
					end = start + duration
				}
				if !cmd.Flags().Changed("cliff") {
					cliff = start
				}
				s, err := e.CreateStream(ctx, viper.GetString("actor-id"), engine.StreamCreateOptions{
					Sender:        sender,
					Recipient:     recipient,
					DepositAmount: deposit,
					RatePerSecond: rate,
					StartTime:     start,
					CliffTime:     cliff,
					EndTime:       end,
				})
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "sender account address")
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient account address")
	cmd.Flags().Int64Var(&deposit, "deposit", 0, "total deposit amount")
	cmd.Flags().Int64Var(&rate, "rate", 0, "units streamed per second")
	cmd.Flags().Int64Var(&start, "start", 0, "start time (unix seconds, default now)")
	cmd.Flags().Int64Var(&cliff, "cliff", 0, "cliff time (unix seconds, default start)")
	cmd.Flags().Int64Var(&end, "end", 0, "end time (unix seconds)")
	cmd.Flags().Int64Var(&duration, "duration", 0, "seconds from start to end (alternative to --end)")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("deposit")
	_ = cmd.MarkFlagRequired("rate")
	return cmd
}

func streamShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <stream-id>",
		Short: "Show a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseStreamID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetStream(ctx, nil, id)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	return cmd
}

func streamListCmd() *cobra.Command {
	var status, sender, recipient string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListStreams(ctx, repo.StreamFilter{
					Status:    domain.StreamStatus(status),
					Sender:    sender,
					Recipient: recipient,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Sender", "Recipient", "Deposit", "Withdrawn", "Status"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Sender, s.Recipient, s.DepositAmount, s.WithdrawnAmount, s.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, paused, cancelled, completed)")
	cmd.Flags().StringVar(&sender, "sender", "", "filter by sender")
	cmd.Flags().StringVar(&recipient, "recipient", "", "filter by recipient")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func streamAccruedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accrued <stream-id>",
		Short: "Amount accrued to the recipient so far",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseStreamID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				accrued, err := e.Accrued(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"stream_id": id, "accrued": accrued})
			})
		},
	}
	return cmd
}

func streamTransitionCmd(
	use, short string,
	call func(engine.Engine, context.Context, string, uint64) (domain.Stream, error),
	adminCall func(engine.Engine, context.Context, string, uint64) (domain.Stream, error),
) *cobra.Command {
	var asAdmin bool
	cmd := &cobra.Command{
		Use:   use + " <stream-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseStreamID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fn := call
				if asAdmin {
					fn = adminCall
				}
				s, err := fn(e, ctx, viper.GetString("actor-id"), id)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().BoolVar(&asAdmin, "as-admin", false, "authorize against the admin account instead of the sender")
	return cmd
}

func streamWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw <stream-id>",
		Short: "Withdraw everything accrued and unclaimed (recipient)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseStreamID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, amount, err := e.Withdraw(ctx, viper.GetString("actor-id"), id)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"stream": s, "amount": amount})
			})
		},
	}
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysRevokeCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := "flx_" + strings.ReplaceAll(uuid.New().String(), "-", "")
				now := time.Now().UTC().Format(time.RFC3339)
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: now,
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": actor, "key": plaintext})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (default: --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var topic string
	var streamID uint64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, topic, streamID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&topic, "topic", "", "topic filter (created, paused, resumed, cancelled, withdrew)")
	cmd.Flags().Uint64Var(&streamID, "stream", 0, "stream id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FLUXLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
				DevLoginEnabled:        devLogin,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("FLUXLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			fileCfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if fileCfg != nil {
				server.StartWebhookDispatcher(e, fileCfg.Webhooks)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fluxline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose /auth/dev/login for minting test JWTs")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseStreamID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream id %q", arg)
	}
	return id, nil
}
