// Command licensetool is the operator CLI for licensegate: issuer keys, signed claims,
// key digests and license administration against the Postgres store.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"licensegate/internal/config"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/internal/store/postgres"
	"licensegate/pkg/contracts/domain"
)

const usage = `usage: licensetool <command> [flags]

commands:
  keygen   generate an Ed25519 issuer key pair
  sign     sign a claims document
  verify   verify signed claims against a public key
  hash     print the stored digest of a license key
  issue    create a license in the Postgres store
  plan     create or replace a plan
  entitle  create or replace a per-license feature override
  status   change a license's status
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "keygen":
		return keygen(rest, stdout, stderr)
	case "sign":
		return sign(rest, stdout, stderr)
	case "verify":
		return verify(rest, stdout, stderr)
	case "hash":
		return hash(rest, stdout, stderr)
	case "issue":
		return issue(ctx, rest, stdout, stderr)
	case "plan":
		return upsertPlan(ctx, rest, stdout, stderr)
	case "entitle":
		return entitle(ctx, rest, stdout, stderr)
	case "status":
		return setStatus(ctx, rest, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return errUsage
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func keygen(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "issuer", "output path prefix; writes <prefix>.key and <prefix>.pub")
	if err := fs.Parse(args); err != nil {
		return err
	}

	privPEM, pubPEM, err := license.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out+".key", privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*out+".pub", pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	fmt.Fprintf(stdout, "wrote %s.key and %s.pub\n", *out, *out)
	return nil
}

type signedClaims struct {
	SignedData string `json:"signed_data"`
	Signature  string `json:"signature"`
	PublicKey  string `json:"public_key"`
}

func sign(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("sign", stderr)
	keyPath := fs.String("key", "", "issuer private key (PEM)")
	claimsPath := fs.String("claims", "", "claims JSON file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyPath == "" || *claimsPath == "" {
		fmt.Fprintln(stderr, "sign requires -key and -claims")
		return errUsage
	}

	signer, err := loadSigner(*keyPath)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(*claimsPath)
	if err != nil {
		return fmt.Errorf("read claims: %w", err)
	}
	var claims domain.Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return fmt.Errorf("parse claims: %w", err)
	}
	if claims.IssuedAt.IsZero() {
		claims.IssuedAt = time.Now().UTC().Truncate(time.Second)
	}

	out, err := signClaims(signer, claims)
	if err != nil {
		return err
	}
	return writeJSON(stdout, out)
}

func signClaims(signer *license.Signer, claims domain.Claims) (signedClaims, error) {
	data, sig, err := signer.Sign(claims)
	if err != nil {
		return signedClaims{}, fmt.Errorf("sign claims: %w", err)
	}
	pub, err := signer.PublicKeyPEM()
	if err != nil {
		return signedClaims{}, err
	}
	return signedClaims{SignedData: data, Signature: sig, PublicKey: pub}, nil
}

func verify(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("verify", stderr)
	pubPath := fs.String("pub", "", "issuer public key (PEM or base64)")
	dataPath := fs.String("data", "", "file holding the exact signed_data bytes")
	sig := fs.String("sig", "", "base64 signature")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pubPath == "" || *dataPath == "" || *sig == "" {
		fmt.Fprintln(stderr, "verify requires -pub, -data and -sig")
		return errUsage
	}

	pubRaw, err := os.ReadFile(*pubPath)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	key, err := license.ParsePublicKey(strings.TrimSpace(string(pubRaw)))
	if err != nil {
		return err
	}
	data, err := os.ReadFile(*dataPath)
	if err != nil {
		return fmt.Errorf("read signed data: %w", err)
	}
	rawSig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*sig))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	if !ed25519.Verify(key, data, rawSig) {
		return license.ErrSignatureMismatch
	}

	var claims domain.Claims
	if err := json.Unmarshal(data, &claims); err != nil {
		return fmt.Errorf("signature valid but claims unreadable: %w", err)
	}
	fmt.Fprintln(stdout, "signature valid")
	return writeJSON(stdout, claims)
}

func hash(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("hash", stderr)
	algorithm := fs.String("algorithm", config.HashAlgorithmSHA256, "sha256 or blake2b")
	pepper := fs.String("pepper", "", "blake2b pepper")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "hash requires exactly one license key")
		return errUsage
	}

	hasher, err := license.NewHasher(*algorithm, *pepper)
	if err != nil {
		return err
	}
	secret, err := license.NormalizeSecret(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hasher.Hash(secret))
	return nil
}

// adminFlags are shared by the commands that talk to Postgres
type adminFlags struct {
	databaseURL string
	configPath  string
}

func (a *adminFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&a.databaseURL, "db", "", "Postgres URL (defaults to LICENSEGATE_DATABASE_URL or the config file)")
	fs.StringVar(&a.configPath, "config", "", "read settings from this YAML file only, ignoring the environment")
}

func (a *adminFlags) loadConfig() *config.Config {
	load := config.Load
	if a.configPath != "" {
		load = func() (*config.Config, error) { return config.LoadFile(a.configPath) }
	}
	cfg, err := load()
	if err != nil {
		return config.Default()
	}
	return cfg
}

// open connects to the store. The config supplies the URL and hash settings so
// issued keys hash exactly like the server hashes them.
func (a *adminFlags) open(ctx context.Context) (*postgres.Store, func(), license.Hasher, error) {
	cfg := a.loadConfig()
	url := a.databaseURL
	if url == "" {
		url = cfg.Database.URL
	}
	if url == "" {
		return nil, nil, nil, fmt.Errorf("no database url: pass -db or set %s_DATABASE_URL", config.EnvPrefix)
	}

	hasher, err := license.NewHasher(cfg.License.HashAlgorithm, cfg.License.HashPepper)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := infrastructure.NewLogger(os.Stderr, "warn")
	db, err := postgres.Connect(ctx, url, postgres.PoolOptions{MaxOpenConns: 2}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := postgres.RunMigrations(ctx, db, logger); err != nil {
		_ = postgres.Close(db)
		return nil, nil, nil, err
	}
	return postgres.New(db), func() { _ = postgres.Close(db) }, hasher, nil
}

type issuedLicense struct {
	LicenseID  string `json:"license_id"`
	LicenseKey string `json:"license_key"`
	KeyHash    string `json:"key_hash"`
	Signed     bool   `json:"signed"`
}

func issue(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("issue", stderr)
	var admin adminFlags
	admin.register(fs)
	key := fs.String("key", "", "license key to issue (generated when empty)")
	plan := fs.String("plan", "", "plan reference")
	licenseType := fs.String("type", "standard", "license type label")
	maxDevices := fs.Int("max-devices", 1, "device limit; 0 means unlimited")
	days := fs.Int("days", 0, "validity in days from now; 0 means perpetual")
	status := fs.String("status", string(domain.LicenseStatusActive), "initial status")
	countries := fs.String("countries", "", "comma separated ISO country allowlist")
	signKey := fs.String("sign-key", "", "issuer private key; signs claims bound to the license")
	features := fs.String("features", "", `claims features as JSON, e.g. {"sso":true,"seats":10}`)
	if err := fs.Parse(args); err != nil {
		return err
	}

	lic, raw, err := buildLicense(*key, *plan, *licenseType, *maxDevices, *days, domain.LicenseStatus(*status), *countries)
	if err != nil {
		return err
	}

	if *signKey != "" {
		signer, err := loadSigner(*signKey)
		if err != nil {
			return err
		}
		var fset domain.FeatureSet
		if *features != "" {
			if err := json.Unmarshal([]byte(*features), &fset); err != nil {
				return fmt.Errorf("parse features: %w", err)
			}
		}
		signed, err := signClaims(signer, domain.Claims{
			LicenseID: lic.ID.String(),
			Plan:      lic.PlanRef,
			Features:  fset,
			IssuedAt:  time.Now().UTC().Truncate(time.Second),
			ExpiresAt: lic.ExpiresAt,
		})
		if err != nil {
			return err
		}
		lic.SignedData, lic.Signature, lic.PublicKey = signed.SignedData, signed.Signature, signed.PublicKey
	}

	store, closeStore, hasher, err := admin.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	lic.KeyHash = hasher.Hash(raw)
	if err := store.CreateLicense(ctx, lic); err != nil {
		return err
	}

	return writeJSON(stdout, issuedLicense{
		LicenseID:  lic.ID.String(),
		LicenseKey: raw,
		KeyHash:    lic.KeyHash,
		Signed:     lic.SignedData != "",
	})
}

// buildLicense assembles an unsaved license and returns it with its normalized raw key
func buildLicense(key, plan, licenseType string, maxDevices, days int, status domain.LicenseStatus, countries string) (*domain.License, string, error) {
	if key == "" {
		key = "LG-" + strings.ToUpper(uuid.NewString())
	}
	raw, err := license.NormalizeSecret(key)
	if err != nil {
		return nil, "", err
	}
	if !status.IsKnown() {
		return nil, "", fmt.Errorf("unknown license status %q", status)
	}
	if maxDevices < 0 || days < 0 {
		return nil, "", fmt.Errorf("max-devices and days cannot be negative")
	}

	lic := &domain.License{
		ID:          uuid.New(),
		Status:      status,
		LicenseType: licenseType,
		PlanRef:     plan,
		MaxDevices:  maxDevices,
	}
	if days > 0 {
		expires := time.Now().UTC().AddDate(0, 0, days).Truncate(time.Second)
		lic.ExpiresAt = &expires
	}
	for _, c := range strings.Split(countries, ",") {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			lic.AllowedCountries = append(lic.AllowedCountries, c)
		}
	}
	return lic, raw, nil
}

func upsertPlan(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("plan", stderr)
	var admin adminFlags
	admin.register(fs)
	ref := fs.String("ref", "", "plan reference")
	name := fs.String("name", "", "display name")
	features := fs.String("features", "{}", "features as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ref == "" {
		fmt.Fprintln(stderr, "plan requires -ref")
		return errUsage
	}

	var fset domain.FeatureSet
	if err := json.Unmarshal([]byte(*features), &fset); err != nil {
		return fmt.Errorf("parse features: %w", err)
	}

	store, closeStore, _, err := admin.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.UpsertPlan(ctx, domain.Plan{Ref: *ref, Name: *name, Features: fset}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "plan %s saved with %d features\n", *ref, len(fset))
	return nil
}

func entitle(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("entitle", stderr)
	var admin adminFlags
	admin.register(fs)
	id := fs.String("license", "", "license id")
	feature := fs.String("feature", "", "feature key")
	disabled := fs.Bool("disabled", false, "deny the feature regardless of plan")
	limit := fs.Int64("limit", -1, "usage limit; negative means unlimited")
	if err := fs.Parse(args); err != nil {
		return err
	}

	licenseID, err := uuid.Parse(*id)
	if err != nil || *feature == "" {
		fmt.Fprintln(stderr, "entitle requires a valid -license id and -feature")
		return errUsage
	}

	ent := &domain.Entitlement{LicenseID: licenseID, FeatureKey: *feature, IsEnabled: !*disabled}
	if *limit >= 0 {
		ent.UsageLimit = limit
	}

	store, closeStore, _, err := admin.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.UpsertEntitlement(ctx, ent); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "entitlement %s saved for license %s\n", *feature, licenseID)
	return nil
}

func setStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("status", stderr)
	var admin adminFlags
	admin.register(fs)
	id := fs.String("license", "", "license id")
	status := fs.String("set", "", "new status: active, suspended, revoked, pending")
	reason := fs.String("reason", "", "revocation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}

	licenseID, err := uuid.Parse(*id)
	if err != nil || *status == "" {
		fmt.Fprintln(stderr, "status requires a valid -license id and -set")
		return errUsage
	}

	store, closeStore, _, err := admin.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.SetStatus(ctx, licenseID, domain.LicenseStatus(*status), *reason); err != nil {
		if license.IsNotFound(err) {
			return fmt.Errorf("license %s does not exist: %w", licenseID, err)
		}
		return err
	}
	infrastructure.NewLogger(stderr, "info").InfoContext(ctx, "license status changed",
		slog.String("license_id", licenseID.String()),
		slog.String("status", *status))
	fmt.Fprintf(stdout, "license %s is now %s\n", licenseID, *status)
	return nil
}

func loadSigner(path string) (*license.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return license.NewSigner(raw)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
