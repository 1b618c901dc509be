package config

import (
	"flag"
	"os"
	"time"
)

// Options are the command line switches that are not part of Config.
type Options struct {
	Setup      bool
	ConfigPath string
}

// Get parses args. A --config file wins over the individual flags, which
// otherwise override the default deployment.
func Get(args []string) (Config, Options, error) {
	fs := flag.NewFlagSet("saigon", flag.ContinueOnError)

	var opts Options
	fs.BoolVar(&opts.Setup, "setup", false, "run the interactive configuration wizard")
	fs.StringVar(&opts.ConfigPath, "config", "", "path to yaml config")

	def := Default()
	backend := fs.String("backend", def.Backend, "chain backend: rpc or simulate")
	rpcURL := fs.String("rpc", def.RPCURL, "json-rpc endpoint of the node")
	account := fs.String("account", "", "wallet address (simulate backend without a key)")
	keyEnv := fs.String("keyenv", def.PrivateKeyEnv, "environment variable holding the private key")
	poll := fs.Duration("poll", def.PollInterval, "balance poll interval")
	receiptPoll := fs.Duration("receiptpoll", 2*time.Second, "receipt poll interval")
	listen := fs.String("listen", def.ListenAddr, "http listen address")
	walDir := fs.String("waldir", def.WALDir, "activity WAL directory")
	simDir := fs.String("simdir", "", "simulated ledger state directory")
	domainName := fs.String("autocert", "", "domain for ACME TLS certificates")
	logLevel := fs.String("loglevel", def.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		return Config{}, opts, err
	}
	if opts.Setup {
		return Config{}, opts, nil
	}

	tmp := def
	if opts.ConfigPath != "" {
		var err error
		if tmp, err = getYaml(opts.ConfigPath); err != nil {
			return Config{}, opts, err
		}
	} else {
		tmp.Backend = *backend
		tmp.RPCURL = *rpcURL
		tmp.Account = *account
		tmp.PrivateKeyEnv = *keyEnv
		tmp.PollInterval = *poll
		tmp.ReceiptPollInterval = *receiptPoll
		tmp.ListenAddr = *listen
		tmp.WALDir = *walDir
		tmp.SimStateDir = *simDir
		tmp.AutocertDomain = *domainName
		tmp.LogLevel = *logLevel
	}

	conf, err := tmp.Build(os.Getenv)
	return conf, opts, err
}
