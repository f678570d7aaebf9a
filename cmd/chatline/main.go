// ABOUTME: Entry point for the chatline messaging gateway
// ABOUTME: Cobra commands to serve, initialize config, mint tokens, check health and print history

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/chatline/internal/auth"
	"github.com/2389/chatline/internal/config"
	"github.com/2389/chatline/internal/gateway"
	"github.com/2389/chatline/internal/store"
	"github.com/2389/chatline/internal/transcript"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
      _           _   _ _
  ___| |__   __ _| |_| (_)_ __   ___
 / __| '_ \ / _' | __| | | '_ \ / _ \
| (__| | | | (_| | |_| | | | | |  __/
 \___|_| |_|\__,_|\__|_|_|_| |_|\___|
`

var configPath string

// getConfigPath returns the path to the gateway config file.
// Priority: --config flag > CHATLINE_CONFIG env var > XDG_CONFIG_HOME/chatline/config.yaml > ~/.config/chatline/config.yaml
func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("CHATLINE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chatline", "config.yaml")
}

// getDataPath returns the path to the chatline data directory.
// Priority: XDG_DATA_HOME/chatline > ~/.local/share/chatline
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "chatline")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:           "chatline",
		Short:         "WhatsApp messaging gateway for CRM frontends",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.config/chatline/config.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(initCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(historyCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Server.HTTPAddr != "" && !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Phone ID:  %s\n", cfg.Provider.PhoneNumberID)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled (no jwt_secret)")
	}

	fmt.Println()

	logger.Info("starting chatline",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Driver,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func healthCmd() *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), ready)
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "check readiness (store reachable) instead of liveness")
	return cmd
}

func runHealth(ctx context.Context, ready bool) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	path := "/health"
	if ready {
		path = "/health/ready"
	}
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	var save bool
	cmd := &cobra.Command{
		Use:   "token <principal>",
		Short: "Mint a JWT for an API or websocket client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(args[0], ttl, save)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "also write the token next to the config file")
	return cmd
}

func runToken(principal string, ttl time.Duration, save bool) error {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return fmt.Errorf("principal cannot be empty or whitespace only")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s (required for tokens)", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(principal, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if save {
		tokenPath := filepath.Join(filepath.Dir(configPath), "token")
		if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s (expires %s)\n",
			tokenPath, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	}

	fmt.Println(token)
	return nil
}

func historyCmd() *cobra.Command {
	var contact, format string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print stored messages, optionally as a transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), cmd.OutOrStdout(), contact, format)
		},
	}
	cmd.Flags().StringVar(&contact, "contact", "", "only messages sent to or received from this id")
	cmd.Flags().StringVar(&format, "format", "", "render a transcript instead (md or html, requires --contact)")
	return cmd
}

func runHistory(ctx context.Context, out io.Writer, contact, format string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	var msgs []*store.Message
	if contact != "" {
		msgs, err = s.ListConversation(ctx, contact)
	} else {
		msgs, err = s.ListMessages(ctx)
	}
	if err != nil {
		return fmt.Errorf("listing messages: %w", err)
	}

	if format != "" {
		if contact == "" {
			return fmt.Errorf("--format requires --contact")
		}
		f, err := transcript.ParseFormat(format)
		if err != nil {
			return err
		}
		rendered, err := transcript.Render(f, msgs, transcript.Options{
			Contact:  contact,
			Self:     cfg.Realtime.AppSenderID,
			Location: time.Local,
		})
		if err != nil {
			return err
		}
		_, err = out.Write(rendered)
		return err
	}

	printMessages(out, msgs, cfg.Realtime.AppSenderID)
	return nil
}

func printMessages(out io.Writer, msgs []*store.Message, self string) {
	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	if len(msgs) == 0 {
		gray.Fprintln(out, "no messages")
		return
	}
	for _, m := range msgs {
		gray.Fprintf(out, "%s ", m.Timestamp.Local().Format("2006-01-02 15:04:05"))
		if m.SenderID == self {
			green.Fprintf(out, "%s → %s", m.SenderID, m.RecipientID)
		} else {
			cyan.Fprintf(out, "%s → %s", m.SenderID, m.RecipientID)
		}
		switch m.Kind {
		case store.KindText:
			fmt.Fprintf(out, ": %s\n", m.Text)
		default:
			fmt.Fprintf(out, ": [%s] %s\n", m.Kind, m.FileName)
		}
	}
}

func initCmd() *cobra.Command {
	var useDefaults bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if useDefaults {
				in = strings.NewReader("")
			}
			return runInit(in)
		},
	}
	cmd.Flags().BoolVar(&useDefaults, "defaults", false, "accept every default without prompting")
	return cmd
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("chatline configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(defaultDataPath, "chatline.db"))
	mediaDir := prompt(reader, "Media directory", filepath.Join(defaultDataPath, "uploads"))
	publicURL := prompt(reader, "Public base URL for media links (leave empty for none)", "")

	fmt.Println("\n--- WhatsApp Cloud API ---")
	phoneNumberID := prompt(reader, "Phone number id", "${WHATSAPP_PHONE_NUMBER_ID}")
	accessToken := prompt(reader, "Access token", "${WHATSAPP_TOKEN}")
	verifyToken := prompt(reader, "Webhook verify token", "${VERIFY_TOKEN}")
	appSecret := prompt(reader, "App secret (leave empty to skip signature checks)", "")

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "chatline")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "yes"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	var cfg strings.Builder
	cfg.WriteString("# chatline configuration\n")
	cfg.WriteString("# Generated by chatline init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString("  driver: \"sqlite\"\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("media:\n")
	cfg.WriteString(fmt.Sprintf("  dir: \"%s\"\n", mediaDir))
	if publicURL != "" {
		cfg.WriteString(fmt.Sprintf("  public_base_url: \"%s\"\n", publicURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("provider:\n")
	cfg.WriteString(fmt.Sprintf("  phone_number_id: \"%s\"\n", phoneNumberID))
	cfg.WriteString(fmt.Sprintf("  access_token: \"%s\"\n", accessToken))
	cfg.WriteString(fmt.Sprintf("  verify_token: \"%s\"\n", verifyToken))
	if appSecret != "" {
		cfg.WriteString(fmt.Sprintf("  app_secret: \"%s\"\n", appSecret))
	}
	cfg.WriteString("  timeout: \"15s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("webhook:\n")
	cfg.WriteString("  dedupe_ttl: \"24h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file carries the JWT secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  chatline serve                 # start the gateway")
	fmt.Println("  chatline token crm-frontend    # mint a client token")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
