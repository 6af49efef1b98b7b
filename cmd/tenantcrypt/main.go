// Package main provides the tenantcrypt CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/tenantcrypt/pkg/audit"
	"github.com/orneryd/tenantcrypt/pkg/config"
	"github.com/orneryd/tenantcrypt/pkg/e2e"
	"github.com/orneryd/tenantcrypt/pkg/encryption"
	"github.com/orneryd/tenantcrypt/pkg/logging"
	"github.com/orneryd/tenantcrypt/pkg/manager"
	"github.com/orneryd/tenantcrypt/pkg/policy"
	"github.com/orneryd/tenantcrypt/pkg/pool"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// app carries state resolved by the root command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "tenantcrypt",
		Short: "tenantcrypt - tenant-isolated document encryption",
		Long: `tenantcrypt encrypts structured JSON documents under per-tenant keys.

Features:
  • Field-level encryption of sensitive fields with searchable tokens
  • Whole-document encryption for unregulated data
  • End-to-end encryption under per-client session keys (RSA-OAEP or ML-KEM-768)
  • Compliance policy selection (HIPAA, PCI DSS, GDPR, SOX)
  • Audit trail with JSON-lines and Badger export

The master secret is read from TENANTCRYPT_MASTER_SECRET (hex or raw bytes).
A .env file in the working directory is loaded first when present.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (env vars override it)")
	rootCmd.PersistentFlags().String("tenant", "", "Tenant id (overrides TENANTCRYPT_TENANT_ID)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tenantcrypt v%s (%s)\n", version, commit)
		},
	})

	// Keygen command
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a client keypair for end-to-end encryption",
		RunE:  a.runKeygen,
	}
	keygenCmd.Flags().String("out", ".", "Output directory")
	keygenCmd.Flags().Bool("mlkem", false, "Generate an ML-KEM-768 keypair instead of RSA-4096")
	rootCmd.AddCommand(keygenCmd)

	// Encrypt command
	encryptCmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a JSON document",
		RunE:  a.runEncrypt,
	}
	encryptCmd.Flags().String("in", "-", "Input document (- for stdin)")
	encryptCmd.Flags().String("out", "-", "Output file (- for stdout)")
	encryptCmd.Flags().String("mode", "", "field_level, document_level, end_to_end or auto (default from config)")
	encryptCmd.Flags().String("client-id", "", "Client id for end-to-end encryption")
	encryptCmd.Flags().String("peer-key", "", "Client RSA public key (PEM) or ML-KEM public key (.pub)")
	encryptCmd.Flags().String("session-out", "", "Where to write the wrapped session key (default <out>.session.json)")
	rootCmd.AddCommand(encryptCmd)

	// Decrypt command
	decryptCmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a JSON document",
		RunE:  a.runDecrypt,
	}
	decryptCmd.Flags().String("in", "-", "Encrypted document (- for stdin)")
	decryptCmd.Flags().String("out", "-", "Output file (- for stdout)")
	decryptCmd.Flags().String("client-id", "", "Client id for end-to-end documents")
	decryptCmd.Flags().String("session", "", "Wrapped session key written by encrypt")
	decryptCmd.Flags().String("private-key", "", "Client private key (RSA PEM or ML-KEM .key)")
	rootCmd.AddCommand(decryptCmd)

	// Search command
	searchCmd := &cobra.Command{
		Use:   "search [files...]",
		Short: "Search encrypted documents without decrypting them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  a.runSearch,
	}
	searchCmd.Flags().String("query", "", "Search term")
	_ = searchCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(searchCmd)

	// Policy command
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Show the compliance policy selected for a document",
		RunE:  a.runPolicy,
	}
	policyCmd.Flags().String("in", "-", "Input document (- for stdin)")
	rootCmd.AddCommand(policyCmd)

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Run a self-test and print component health",
		RunE:  a.runHealth,
	}
	healthCmd.Flags().Bool("metrics", false, "Print Prometheus metrics after the report")
	rootCmd.AddCommand(healthCmd)

	// Audit command
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Query an exported audit log",
		RunE:  a.runAudit,
	}
	auditCmd.Flags().String("log", "", "Audit log file (default from config)")
	auditCmd.Flags().Bool("errors", false, "Only failed operations")
	auditCmd.Flags().Duration("since", 0, "Only entries newer than this")
	auditCmd.Flags().Int("limit", 50, "Maximum entries")
	rootCmd.AddCommand(auditCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()
	config.ResetFeatureFlags()

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		a.cfg = cfg
	} else {
		a.cfg = config.LoadFromEnv()
	}
	if tenant, _ := cmd.Flags().GetString("tenant"); tenant != "" {
		a.cfg.Tenant.ID = tenant
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		a.cfg.Logging.Level = level
	}

	logger, err := logging.New(a.cfg.Logging)
	if err != nil {
		return err
	}
	a.logger = logger

	poolCfg := pool.DefaultPoolConfig()
	poolCfg.Enabled = config.IsBufferPoolEnabled()
	pool.Configure(poolCfg)
	return nil
}

// newManager validates configuration and opens a manager for the tenant.
func (a *app) newManager(opts ...manager.Option) (*manager.Manager, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	mcfg, err := manager.FromConfig(a.cfg)
	if err != nil {
		return nil, err
	}

	opts = append([]manager.Option{manager.WithLogger(a.logger)}, opts...)
	if a.cfg.Encryption.PolicyFile != "" {
		selector, err := policy.LoadFile(a.cfg.Encryption.PolicyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, manager.WithSelector(selector))
	}
	return manager.New(mcfg, opts...)
}

func (a *app) runKeygen(cmd *cobra.Command, args []string) error {
	outDir, _ := cmd.Flags().GetString("out")
	useMLKEM, _ := cmd.Flags().GetBool("mlkem")

	if err := os.MkdirAll(outDir, 0750); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	if useMLKEM {
		pk, sk, err := e2e.GenerateMLKEMKeypair()
		if err != nil {
			return err
		}
		if err := writeFile(filepath.Join(outDir, "client_mlkem.pub"), pk, 0644); err != nil {
			return err
		}
		if err := writeFile(filepath.Join(outDir, "client_mlkem.key"), sk, 0600); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "✅ ML-KEM-768 keypair written to %s\n", outDir)
		return nil
	}

	fmt.Fprintln(os.Stderr, "🔐 Generating RSA-4096 keypair...")
	priv, pub, err := e2e.GenerateClientKeypair()
	if err != nil {
		return err
	}
	pubPEM, err := e2e.EncodePublicKeyPEM(pub)
	if err != nil {
		return err
	}
	privPEM, err := e2e.EncodePrivateKeyPEM(priv)
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(outDir, "client_public.pem"), pubPEM, 0644); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(outDir, "client_private.pem"), privPEM, 0600); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "✅ RSA keypair written to %s\n", outDir)
	return nil
}

func (a *app) runEncrypt(cmd *cobra.Command, args []string) error {
	in, _ := cmd.Flags().GetString("in")
	out, _ := cmd.Flags().GetString("out")
	modeName, _ := cmd.Flags().GetString("mode")
	clientID, _ := cmd.Flags().GetString("client-id")
	peerKey, _ := cmd.Flags().GetString("peer-key")
	sessionOut, _ := cmd.Flags().GetString("session-out")

	// An empty mode defers to the configured default.
	var mode manager.Mode
	if modeName != "" {
		var err error
		if mode, err = manager.ParseMode(modeName); err != nil {
			return err
		}
	}

	doc, err := readDocument(in)
	if err != nil {
		return err
	}

	var client *manager.ClientContext
	if clientID != "" {
		if peerKey == "" {
			return errors.New("--peer-key is required with --client-id")
		}
		w, err := loadWrapper(peerKey)
		if err != nil {
			return err
		}
		client = &manager.ClientContext{ClientID: clientID, Wrapper: w}
	}

	m, err := a.newManager()
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer a.closeManager(ctx, m)

	enc, err := m.EncryptDocument(ctx, doc, mode, client)
	if err != nil {
		return err
	}
	if err := writeJSON(out, enc); err != nil {
		return err
	}

	if client != nil && client.Established != nil {
		if sessionOut == "" {
			if out == "-" {
				return errors.New("--session-out is required when writing to stdout")
			}
			sessionOut = out + ".session.json"
		}
		if err := writeJSON(sessionOut, client.Established); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "🔑 Wrapped session key written to %s\n", sessionOut)
	}
	return nil
}

func (a *app) runDecrypt(cmd *cobra.Command, args []string) error {
	in, _ := cmd.Flags().GetString("in")
	out, _ := cmd.Flags().GetString("out")
	clientID, _ := cmd.Flags().GetString("client-id")
	sessionPath, _ := cmd.Flags().GetString("session")
	privPath, _ := cmd.Flags().GetString("private-key")

	doc, err := readDocument(in)
	if err != nil {
		return err
	}

	var opts []manager.Option
	if clientID != "" {
		if sessionPath == "" || privPath == "" {
			return errors.New("--session and --private-key are required with --client-id")
		}
		store, err := restoreSession(clientID, sessionPath, privPath)
		if err != nil {
			return err
		}
		opts = append(opts, manager.WithSessionStore(store))
	}

	m, err := a.newManager(opts...)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer a.closeManager(ctx, m)

	dec, err := m.DecryptDocument(ctx, doc, clientID)
	if err != nil {
		return err
	}
	return writeJSON(out, dec)
}

func (a *app) runSearch(cmd *cobra.Command, args []string) error {
	query, _ := cmd.Flags().GetString("query")

	var corpus []map[string]any
	for _, path := range args {
		docs, err := readDocuments(path)
		if err != nil {
			return err
		}
		corpus = append(corpus, docs...)
	}

	m, err := a.newManager()
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer a.closeManager(ctx, m)

	matches, err := m.SearchEncryptedDocuments(ctx, query, corpus)
	if err != nil {
		return err
	}
	return writeJSON("-", matches)
}

func (a *app) runPolicy(cmd *cobra.Command, args []string) error {
	in, _ := cmd.Flags().GetString("in")
	doc, err := readDocument(in)
	if err != nil {
		return err
	}

	var selector policy.Selector = policy.DefaultSelector()
	if a.cfg.Encryption.PolicyFile != "" {
		s, err := policy.LoadFile(a.cfg.Encryption.PolicyFile)
		if err != nil {
			return err
		}
		selector = s
	}

	pol := selector.PolicyForDocument(doc)
	if pol == nil {
		return errors.New("no policy matched and no fallback is configured")
	}
	return writeJSON("-", pol)
}

func (a *app) runHealth(cmd *cobra.Command, args []string) error {
	withMetrics, _ := cmd.Flags().GetBool("metrics")

	reg := prometheus.NewRegistry()
	var opts []manager.Option
	if withMetrics || a.cfg.Performance.PrometheusEnabled {
		opts = append(opts, manager.WithPrometheus(reg, a.cfg.Performance.MetricsNamespace))
	}

	m, err := a.newManager(opts...)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer a.closeManager(ctx, m)

	if err := selfTest(ctx, m); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Self-test failed: %v\n", err)
	}

	if err := writeJSON("-", m.HealthStatus()); err != nil {
		return err
	}
	if withMetrics {
		return writeMetrics(os.Stdout, reg)
	}
	return nil
}

func (a *app) runAudit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("log")
	errorsOnly, _ := cmd.Flags().GetBool("errors")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	if path == "" {
		path = a.cfg.Audit.LogPath
	}
	if path == "" {
		return errors.New("no audit log configured (use --log or TENANTCRYPT_AUDIT_LOG_PATH)")
	}

	q := audit.Query{TenantID: a.cfg.Tenant.ID, ErrorsOnly: errorsOnly, Limit: limit}
	if since > 0 {
		q.StartTime = time.Now().Add(-since)
	}
	res, err := audit.ReadFile(path, q)
	if err != nil {
		return err
	}
	return writeJSON("-", res)
}

func (a *app) closeManager(ctx context.Context, m *manager.Manager) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		a.logger.Error("closing manager", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// selfTest round-trips a sample document through every tenant-keyed mode.
func selfTest(ctx context.Context, m *manager.Manager) error {
	sample := map[string]any{"email": "probe@example.com", "notes": "health check"}
	for _, mode := range []manager.Mode{manager.ModeFieldLevel, manager.ModeDocumentLevel} {
		enc, err := m.EncryptDocument(ctx, sample, mode, nil)
		if err != nil {
			return fmt.Errorf("%s encrypt: %w", mode, err)
		}
		if _, err := m.DecryptDocument(ctx, enc, ""); err != nil {
			return fmt.Errorf("%s decrypt: %w", mode, err)
		}
	}
	_, err := m.SearchEncryptedDocuments(ctx, "probe@example.com", nil)
	return err
}

func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// loadWrapper picks the key wrapper from the peer key file: PEM files are RSA,
// anything else is a raw ML-KEM-768 public key.
func loadWrapper(path string) (e2e.KeyWrapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading peer key: %w", err)
	}
	if strings.Contains(string(data), "-----BEGIN") {
		pub, err := e2e.ParsePublicKeyPEM(data)
		if err != nil {
			return nil, err
		}
		return e2e.RSAWrapper{PublicKey: pub}, nil
	}
	return e2e.MLKEMWrapper{PublicKey: data}, nil
}

// restoreSession unwraps a session key with the client's private key and
// installs it in a fresh store, so a later process can decrypt end-to-end
// documents sealed under that session.
func restoreSession(clientID, sessionPath, privPath string) (*e2e.MemorySessionStore, error) {
	var wrapped e2e.WrappedSessionKey
	if err := readJSON(sessionPath, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.ClientID != clientID {
		return nil, fmt.Errorf("%w: session belongs to client %q", encryption.ErrSession, wrapped.ClientID)
	}

	privData, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	var key []byte
	switch wrapped.Scheme {
	case e2e.SchemeRSAOAEP:
		priv, err := e2e.ParsePrivateKeyPEM(privData)
		if err != nil {
			return nil, err
		}
		key, err = e2e.UnwrapSessionKey(priv, &wrapped)
		if err != nil {
			return nil, err
		}
	case e2e.SchemeMLKEM:
		key, err = e2e.UnwrapSessionKeyMLKEM(privData, &wrapped)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown wrapping scheme %q", encryption.ErrSession, wrapped.Scheme)
	}

	store := e2e.NewMemorySessionStore()
	store.Put(&e2e.Session{
		ClientID:      clientID,
		Key:           key,
		EstablishedAt: wrapped.EstablishedAt,
		Generation:    wrapped.Generation,
	})
	return store, nil
}

func readDocument(path string) (map[string]any, error) {
	var doc map[string]any
	if err := readJSON(path, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%s: not a JSON object", path)
	}
	return doc, nil
}

// readDocuments accepts a single JSON object or an array of objects.
func readDocuments(path string) ([]map[string]any, error) {
	var raw json.RawMessage
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var docs []map[string]any
		if err := json.Unmarshal(raw, &docs); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return docs, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return []map[string]any{doc}, nil
}

func readJSON(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return writeFile(path, data, 0600)
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
