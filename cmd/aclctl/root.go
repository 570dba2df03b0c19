package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/access"
	"github.com/oarkflow/access/logger"
	"github.com/oarkflow/access/stores"
)

var (
	configPath   string
	dbDriver     string
	dbDSN        string
	tablePrefix  string
	redisAddr    string
	logLevel     string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "aclctl",
	Short: "Inspect and manage asset access rules",
	Long: `aclctl works against the asset and user group tables of an ACL database.

Examples:
  # Create the tables and load fixtures from a config file
  aclctl migrate --config access.yaml
  aclctl seed --config access.yaml

  # Can user 42 edit article 7?
  aclctl check 42 core.edit com_content.article.7

  # Show the group chain of group 3
  aclctl path 3`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file (.yaml, .yml or .json)")
	pf.StringVar(&dbDriver, "driver", "", "Database driver: sqlite or postgres")
	pf.StringVar(&dbDSN, "dsn", "", "Database DSN")
	pf.StringVar(&tablePrefix, "prefix", "", "Table prefix replacing #__")
	pf.StringVar(&redisAddr, "redis", "", "Redis address for user memberships")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVarP(&outputFormat, "output", "o", "table", "Output format: table or json")

	rootCmd.AddCommand(migrateCmd, seedCmd, checkCmd, groupsCmd, pathCmd, usersCmd,
		viewLevelsCmd, actionsCmd, rulesCmd, auditCmd)
}

// loadConfig reads --config and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*access.Config, error) {
	cfg := access.DefaultConfig()
	if configPath != "" {
		loaded, err := access.NewConfigLoader().LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.Database.Driver = dbDriver
	}
	if flags.Changed("dsn") {
		cfg.Database.DSN = dbDSN
	}
	if flags.Changed("prefix") {
		cfg.Database.TablePrefix = tablePrefix
	}
	if flags.Changed("redis") {
		cfg.Redis.Addr = redisAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	return &cfg, nil
}

// env bundles everything a command needs.
type env struct {
	cfg    *access.Config
	sqlDB  *sql.DB
	db     *squealx.DB
	store  *stores.SQLStore
	engine *access.Engine
	log    logger.Logger
	redis  *redis.Client
}

func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	driver := cfg.Database.Driver
	if driver == "postgresql" {
		driver = "postgres"
	}
	if driver != "sqlite" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported driver %q", cfg.Database.Driver)
	}
	sqlDB, err := sql.Open(driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.PingContext(cmd.Context()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	e := &env{
		cfg:   cfg,
		sqlDB: sqlDB,
		db:    squealx.NewDb(sqlDB, driver, "aclctl"),
		log:   logger.NewPhusluLogger(logger.ParseLevel(cfg.Log.Level)),
	}
	opts := []stores.SQLStoreOption{stores.WithTablePrefix(cfg.Database.TablePrefix)}
	if cfg.Redis.Addr != "" {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts = append(opts, stores.WithMembership(stores.NewRedisMembershipStore(e.redis)))
	}
	e.store = stores.NewSQLStore(e.db, opts...)

	engineOpts := []access.EngineOption{access.WithConfig(*cfg), access.WithLogger(e.log)}
	if cfg.Audit.Enabled {
		auditStore, err := stores.NewSQLAuditStore(e.db, cfg.Database.TablePrefix)
		if err != nil {
			e.close()
			return nil, err
		}
		engineOpts = append(engineOpts, access.WithAuditStore(auditStore))
	}
	e.engine, err = access.NewEngine(e.store, engineOpts...)
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (e *env) close() {
	if e.engine != nil {
		_ = e.engine.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.sqlDB != nil {
		_ = e.sqlDB.Close()
	}
}
