// ABOUTME: Interactive config creation and admin token minting
// ABOUTME: Implements the init and token subcommands

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/cobrai-gateway/internal/auth"
	"github.com/2389/cobrai-gateway/internal/config"
)

const defaultTokenTTL = 30 * 24 * time.Hour

type tokenArgs struct {
	subject string
	role    string
	ttl     time.Duration
	save    bool
}

func parseTokenArgs(args []string) (tokenArgs, error) {
	var ta tokenArgs
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&ta.subject, "subject", "admin", "token subject")
	fs.StringVar(&ta.role, "role", auth.RoleAdmin, "admin or operator")
	fs.DurationVar(&ta.ttl, "ttl", defaultTokenTTL, "token lifetime")
	fs.BoolVar(&ta.save, "save", false, "write the token next to the config file")
	if err := fs.Parse(args); err != nil {
		return ta, err
	}
	if fs.NArg() > 0 {
		return ta, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	ta.subject = strings.TrimSpace(ta.subject)
	if ta.subject == "" {
		return ta, fmt.Errorf("--subject cannot be empty")
	}
	if ta.role != auth.RoleAdmin && ta.role != auth.RoleOperator {
		return ta, fmt.Errorf("--role must be %s or %s, got %q", auth.RoleAdmin, auth.RoleOperator, ta.role)
	}
	if ta.ttl <= 0 {
		return ta, fmt.Errorf("--ttl must be positive")
	}
	return ta, nil
}

// runToken mints a JWT for the admin API using the configured secret.
func runToken(args []string) error {
	ta, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(ta.subject, ta.role, ta.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if !ta.save {
		fmt.Println(token)
		return nil
	}

	tokenPath := getTokenPath()
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	color.New(color.FgGreen).Printf("  ✓ Saved %s token for %s: %s (expires %s)\n",
		ta.role, ta.subject, tokenPath, time.Now().Add(ta.ttl).UTC().Format("Jan 02, 2006"))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("cobrai-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.httpAddr = prompt(reader, "HTTP address", "localhost:8080")
	a.grpcAddr = prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Model Configuration ---")
	a.modelBaseURL = prompt(reader, "OpenAI-compatible base URL (empty for api.openai.com)", "")
	a.modelName = prompt(reader, "Model", "gpt-4o-mini")

	fmt.Println("\n--- Channels ---")
	a.whatsapp = yes(prompt(reader, "Enable WhatsApp?", "yes"))
	if a.whatsapp {
		a.verifyToken = prompt(reader, "Webhook verify token", randomSecret(12))
	}
	a.matrix = yes(prompt(reader, "Enable Matrix?", "no"))
	if a.matrix {
		a.homeserver = prompt(reader, "Matrix homeserver", "https://matrix.org")
		a.matrixUser = prompt(reader, "Matrix user id", "@cobrai:matrix.org")
	}

	fmt.Println("\n--- Ledger ---")
	a.dbPath = prompt(reader, "SQLite ledger path (empty to disable)", filepath.Join(getDataPath(), "ledger.db"))

	fmt.Println("\n--- Tailscale Configuration ---")
	a.tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if a.tailscale {
		a.tsHostname = prompt(reader, "Tailscale hostname", "cobrai-gateway")
		a.tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS for the webhook)?", "yes"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.logLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.logFormat = prompt(reader, "Log format (text/json)", "text")

	a.jwtSecret = randomSecret(32)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(a.render()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if a.dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(a.dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("Secrets are read from the environment: OPENAI_API_KEY, WHATSAPP_ACCESS_TOKEN, WHATSAPP_APP_SECRET, MATRIX_ACCESS_TOKEN.")
	fmt.Println("\nTo start the server:")
	fmt.Printf("  cobrai-gateway serve\n")
	return nil
}

type initAnswers struct {
	httpAddr, grpcAddr      string
	modelBaseURL, modelName string
	whatsapp                bool
	verifyToken             string
	matrix                  bool
	homeserver, matrixUser  string
	dbPath                  string
	tailscale, tsFunnel     bool
	tsHostname              string
	logLevel, logFormat     string
	jwtSecret               string
}

// render produces a config file. Credentials stay as ${VAR} references.
func (a initAnswers) render() string {
	var b strings.Builder
	b.WriteString("# cobrai-gateway configuration\n")
	b.WriteString("# Generated by cobrai-gateway init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", a.httpAddr)
	if a.grpcAddr != "" {
		fmt.Fprintf(&b, "  grpc_addr: %q\n", a.grpcAddr)
	}
	b.WriteString("\n")

	b.WriteString("model:\n")
	if a.modelBaseURL != "" {
		fmt.Fprintf(&b, "  base_url: %q\n", a.modelBaseURL)
	}
	b.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
	fmt.Fprintf(&b, "  model: %q\n", a.modelName)
	b.WriteString("  timeout: \"30s\"\n\n")

	b.WriteString("whatsapp:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.whatsapp)
	if a.whatsapp {
		b.WriteString("  access_token: \"${WHATSAPP_ACCESS_TOKEN}\"\n")
		fmt.Fprintf(&b, "  verify_token: %q\n", a.verifyToken)
		b.WriteString("  app_secret: \"${WHATSAPP_APP_SECRET}\"\n")
	}
	b.WriteString("\n")

	b.WriteString("matrix:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.matrix)
	if a.matrix {
		fmt.Fprintf(&b, "  homeserver: %q\n", a.homeserver)
		fmt.Fprintf(&b, "  user_id: %q\n", a.matrixUser)
		b.WriteString("  access_token: \"${MATRIX_ACCESS_TOKEN}\"\n")
	}
	b.WriteString("\n")

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", a.dbPath)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n\n", a.jwtSecret)

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.tailscale)
	if a.tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", a.tsHostname)
		fmt.Fprintf(&b, "  funnel: %t\n", a.tsFunnel)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.logLevel)
	fmt.Fprintf(&b, "  format: %q\n", a.logFormat)
	return b.String()
}

func randomSecret(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func yes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	return a == "yes" || a == "y"
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
