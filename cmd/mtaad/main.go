package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/mtaa/internal/config"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL          = "database-url"
	flagListenAddr           = "listen-addr"
	flagGRPCListenAddr       = "grpc-listen-addr"
	flagEnvironment          = "environment"
	flagCurrency             = "currency"
	flagLockBackend          = "lock-backend"
	flagEventBroker          = "event-broker"
	flagScheduler            = "scheduler"
	flagRedisAddr            = "redis-addr"
	flagRedisPassword        = "redis-password"
	flagRedisDB              = "redis-db"
	flagAMQPURL              = "amqp-url"
	flagGatewayTimeout       = "gateway-timeout"
	flagGatewayAttempts      = "gateway-attempts"
	flagGatewayLatency       = "gateway-latency"
	flagRequestTimeout       = "request-timeout"
	flagOverpaymentTolerance = "overpayment-tolerance"
	flagSessionSigningKey    = "session-signing-key"
	flagSessionIssuer        = "session-issuer"
	flagSessionCookie        = "session-cookie"
	flagAllowedOrigins       = "allowed-origins"
	flagCallbackToken        = "mpesa-callback-token"
	flagEnvFile              = "env-file"
	envPrefix                = "MTAA"
	defaultEnvFile           = ".env"
)

var boundFlags = []string{
	flagDatabaseURL, flagListenAddr, flagGRPCListenAddr, flagEnvironment, flagCurrency,
	flagLockBackend, flagEventBroker, flagScheduler, flagRedisAddr, flagRedisPassword, flagRedisDB,
	flagAMQPURL, flagGatewayTimeout, flagGatewayAttempts, flagGatewayLatency, flagRequestTimeout,
	flagOverpaymentTolerance, flagSessionSigningKey, flagSessionIssuer, flagSessionCookie, flagAllowedOrigins,
	flagCallbackToken,
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mtaad: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "mtaad",
		Short:         "Marketplace booking ledger, Sambaza group-buy and trust score daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagEnvFile, defaultEnvFile, "optional dotenv file loaded before reading MTAA_* variables")
	flags.String(flagDatabaseURL, "", "postgres:// DSN or sqlite path (default sqlite:///tmp/mtaa.db)")
	flags.String(flagListenAddr, "", "HTTP listen address (default :8080)")
	flags.String(flagGRPCListenAddr, "", "gRPC health listen address (default :7000)")
	flags.String(flagEnvironment, "", "production or development")
	flags.String(flagCurrency, "", "deployment currency: KES, TZS, UGX or USD")
	flags.String(flagLockBackend, "", "memory or redis")
	flags.String(flagEventBroker, "", "memory or amqp")
	flags.String(flagScheduler, "", "none or asynq")
	flags.String(flagRedisAddr, "", "redis address for the redis lock backend and asynq")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database index")
	flags.String(flagAMQPURL, "", "RabbitMQ URL for the amqp broker")
	flags.Duration(flagGatewayTimeout, 0, "per-attempt payment gateway timeout (e.g. 5s)")
	flags.Uint64(flagGatewayAttempts, 0, "payment gateway attempts per request")
	flags.Duration(flagGatewayLatency, 0, "simulated M-Pesa round trip")
	flags.Duration(flagRequestTimeout, 0, "HTTP request timeout (e.g. 10s)")
	flags.String(flagOverpaymentTolerance, "", "accepted overpayment as a decimal amount (e.g. 1.00)")
	flags.String(flagSessionSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagSessionIssuer, "", "expected JWT issuer")
	flags.String(flagSessionCookie, "", "JWT cookie name")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagCallbackToken, "", "shared secret expected as ?token= on the M-Pesa callback")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range boundFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.Environment = v.GetString(flagEnvironment)
	cfg.Currency = ledger.Currency(strings.ToUpper(strings.TrimSpace(v.GetString(flagCurrency))))
	cfg.LockBackend = v.GetString(flagLockBackend)
	cfg.EventBroker = v.GetString(flagEventBroker)
	cfg.Scheduler = v.GetString(flagScheduler)
	cfg.RedisAddr = v.GetString(flagRedisAddr)
	cfg.RedisPassword = v.GetString(flagRedisPassword)
	cfg.RedisDB = v.GetInt(flagRedisDB)
	cfg.AMQPURL = v.GetString(flagAMQPURL)
	cfg.GatewayTimeout = v.GetDuration(flagGatewayTimeout)
	cfg.GatewayAttempts = v.GetUint64(flagGatewayAttempts)
	cfg.GatewayLatency = v.GetDuration(flagGatewayLatency)
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.OverpaymentTolerance = v.GetString(flagOverpaymentTolerance)
	cfg.SessionSigningKey = v.GetString(flagSessionSigningKey)
	cfg.SessionIssuer = v.GetString(flagSessionIssuer)
	cfg.SessionCookieName = v.GetString(flagSessionCookie)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.CallbackToken = v.GetString(flagCallbackToken)

	return cfg.Validate()
}
