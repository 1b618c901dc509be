package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/saigon/config"
)

// DefaultOutput is where the wizard writes the generated configuration.
const DefaultOutput = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers are the values collected by the wizard.
type Answers struct {
	Backend       string
	RPCURL        string
	PrivateKeyEnv string
	Account       string
	PollInterval  string
	Track         []string
	ListenAddr    string
	SimFeePercent string
	AutoApprove   bool
}

func defaultAnswers() Answers {
	def := config.Default()
	return Answers{
		Backend:       def.Backend,
		RPCURL:        def.RPCURL,
		PrivateKeyEnv: def.PrivateKeyEnv,
		PollInterval:  def.PollInterval.String(),
		ListenAddr:    def.ListenAddr,
		SimFeePercent: "5",
		AutoApprove:   true,
	}
}

func step(title string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("SAIGON CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(title))
}

// RunTUI launches the terminal configuration wizard and writes the result to
// path.
func RunTUI(path string) error {
	if path == "" {
		path = DefaultOutput
	}
	a := defaultAnswers()
	var confirm bool

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("SAIGON CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Connect a wallet to the Saigon testnet contracts.\n"))

	fmt.Println(stepStyle.Render("STEP 1: BACKEND"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should transactions go?").
				Options(
					huh.NewOption("Simulated chain (local ledger)", config.BackendSimulate),
					huh.NewOption("JSON-RPC node (Holesky)", config.BackendRPC),
				).
				Value(&a.Backend),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 2: WALLET")
	var fields []huh.Field
	if a.Backend == config.BackendRPC {
		fields = append(fields,
			huh.NewInput().
				Title("RPC URL").
				Value(&a.RPCURL).
				Validate(validateNonEmpty("rpc url")),
			huh.NewInput().
				Title("Private key environment variable").
				Description("The key itself is never written to the config").
				Value(&a.PrivateKeyEnv).
				Validate(validateNonEmpty("variable name")),
		)
	} else {
		fields = append(fields,
			huh.NewInput().
				Title("Wallet address").
				Description("0x-prefixed address the simulated ledger belongs to").
				Value(&a.Account).
				Validate(validateAddress),
			huh.NewInput().
				Title("Lending fee %").
				Description("Fee the simulated lending contract charges (e.g. 5)").
				Value(&a.SimFeePercent).
				Validate(validateFeePercent),
		)
	}
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return err
	}

	step("STEP 3: TRACKING")
	var symbols []huh.Option[string]
	for _, asset := range config.Default().Assets {
		symbols = append(symbols, huh.NewOption(asset.Symbol, asset.Symbol).Selected(true))
	}
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Assets to track").
				Options(symbols...).
				Value(&a.Track),
			huh.NewInput().
				Title("Balance poll interval").
				Description("Duration string (e.g. 5s, 30s, 1m)").
				Value(&a.PollInterval).
				Validate(validateInterval),
			huh.NewConfirm().
				Title("Approve automatically before stake, borrow and repay?").
				Value(&a.AutoApprove),
			huh.NewInput().
				Title("Dashboard listen address").
				Value(&a.ListenAddr),
		),
	).Run()
	if err != nil {
		return err
	}

	step("FINAL CONFIRMATION")
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(a.summary()))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	cfgTmp, err := a.Config()
	if err != nil {
		return err
	}
	data, err := cfgTmp.Marshal()
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting session...", path)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return nil
}

func (a Answers) summary() string {
	wallet := a.Account
	if a.Backend == config.BackendRPC {
		wallet = "$" + a.PrivateKeyEnv
	}
	return fmt.Sprintf("Backend: %s\nWallet: %s\nTrack: %s\nInterval: %s\nAuto-approve: %t\nListen: %s\n",
		a.Backend, wallet, strings.Join(a.Track, ", "), a.PollInterval, a.AutoApprove, a.ListenAddr)
}

// Config converts the answers into a raw configuration on top of the default
// deployment.
func (a Answers) Config() (config.ConfigTmp, error) {
	tmp := config.Default()
	tmp.Backend = a.Backend
	tmp.Track = a.Track
	tmp.ListenAddr = a.ListenAddr
	autoApprove := a.AutoApprove
	tmp.AutoApprove = &autoApprove

	interval, err := time.ParseDuration(a.PollInterval)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("invalid poll interval: %w", err)
	}
	tmp.PollInterval = interval

	switch a.Backend {
	case config.BackendRPC:
		tmp.RPCURL = a.RPCURL
		tmp.PrivateKeyEnv = a.PrivateKeyEnv
	case config.BackendSimulate:
		if err := validateAddress(a.Account); err != nil {
			return config.ConfigTmp{}, err
		}
		tmp.Account = common.HexToAddress(a.Account).Hex()
		bps, err := feeBasisPoints(a.SimFeePercent)
		if err != nil {
			return config.ConfigTmp{}, err
		}
		tmp.SimFeeBps = bps
	default:
		return config.ConfigTmp{}, fmt.Errorf("unsupported backend: %s", a.Backend)
	}
	return tmp, nil
}

func feeBasisPoints(percent string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(percent))
	if err != nil {
		return 0, fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return 0, fmt.Errorf("must be between 0 and 100")
	}
	bps := d.Mul(decimal.NewFromInt(100))
	if !bps.Equal(bps.Truncate(0)) {
		return 0, fmt.Errorf("at most two decimal places")
	}
	return bps.IntPart(), nil
}

func validateFeePercent(s string) error {
	_, err := feeBasisPoints(s)
	return err
}

func validateAddress(s string) error {
	if !common.IsHexAddress(strings.TrimSpace(s)) {
		return fmt.Errorf("not a hex address")
	}
	return nil
}

func validateInterval(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateNonEmpty(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", what)
		}
		return nil
	}
}
