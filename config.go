package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds the configuration options for the tool.
type Config struct {
	Mode         string `json:"mode,omitempty"`
	AuthMethod   string `json:"auth,omitempty"`
	TenantID     string `json:"tenantId,omitempty"` // From config file/env, used for clientid auth
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`

	// Migration mode
	SourceTenantID       string `json:"sourceTenantId,omitempty"`
	DestTenantID         string `json:"destTenantId,omitempty"`
	DestinationDomain    string `json:"destinationDomain,omitempty"`
	Entity               string `json:"entity,omitempty"`
	Selection            string `json:"selection,omitempty"` // comma-separated identifiers; empty lists only
	DeleteAfterMigration bool   `json:"deleteAfterMigration,omitempty"`
	CollisionCheck       string `json:"collisionCheck,omitempty"`
	VerifyAttempts       int    `json:"verifyAttempts,omitempty"`
	VerifyDelaySeconds   int    `json:"verifyDelaySeconds,omitempty"`
	AuditDB              string `json:"auditDb,omitempty"`
	BatchID              string `json:"batchId,omitempty"` // report mode filter

	// Provision mode
	Guest        bool   `json:"guest,omitempty"`
	GroupIDs     string `json:"groupIds,omitempty"` // comma-separated membership targets
	TicketURL    string `json:"ticketUrl,omitempty"`
	TicketToken  string `json:"ticketToken,omitempty"`
	SMTPHost     string `json:"smtpHost,omitempty"`
	SMTPPort     int    `json:"smtpPort,omitempty"`
	SMTPUsername string `json:"smtpUsername,omitempty"`
	SMTPPassword string `json:"smtpPassword,omitempty"`

	Verbose bool `json:"verbose,omitempty"`
}

// SelectedNames returns the operator's selection as a list, preserving the
// order given on the command line.
func (c Config) SelectedNames() []string {
	if strings.TrimSpace(c.Selection) == "" {
		return nil
	}
	parts := strings.Split(c.Selection, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

// SelectedGroupIDs returns the provision-mode membership targets.
func (c Config) SelectedGroupIDs() []string {
	if strings.TrimSpace(c.GroupIDs) == "" {
		return nil
	}
	parts := strings.Split(c.GroupIDs, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

// LoadConfig loads the application's configuration from command-line flags
// and a JSON file, handling precedence correctly. It also handles the
// --version flag and exits if it is present.
func LoadConfig() (Config, error) {
	// --- Flag Definition ---
	mode := flag.String("mode", "migrate", "Operating mode: 'migrate', 'provision', 'report' or 'healthcheck'.")
	auth := flag.String("auth", "interactive", "Authentication method: 'interactive' (browser sign-in) or 'clientid'.")
	configFilePath := flag.String("config", "", "Path to a JSON configuration file. Command-line flags override file values.")
	versionFlag := flag.Bool("version", false, "Print the version and exit.")
	sourceTenant := flag.String("source-tenant", "", "Source tenant ID for clientid auth. Interactive auth derives it from sign-in.")
	destTenant := flag.String("dest-tenant", "", "Destination tenant ID for clientid auth.")
	domain := flag.String("domain", "", "Verified destination domain for rewritten principal names.")
	entity := flag.String("entity", "users", "Entity kind to list/migrate: 'users', 'groups' or 'files'.")
	selection := flag.String("select", "", "Comma-separated identifiers to migrate. Empty lists objects without migrating.")
	deleteAfter := flag.Bool("delete-after", false, "Remove each user from the source tenant after successful verification.")
	collisionCheck := flag.String("collision-check", "scan", "Collision strategy: 'scan' (full enumeration) or 'filter' (server-side query).")
	verifyAttempts := flag.Int("verify-attempts", 5, "Maximum post-creation verification polls per object.")
	verifyDelay := flag.Int("verify-delay", 5, "Seconds to wait between verification polls.")
	auditDB := flag.String("audit-db", "migration-audit.db", "Path to the SQLite audit database.")
	batchID := flag.String("batch", "", "Report mode: show outcomes for one batch ID. Empty lists all batches.")
	guest := flag.Bool("guest", false, "Provision mode: create guest accounts instead of members.")
	groupIDs := flag.String("groups", "", "Provision mode: comma-separated group IDs for new-account membership.")
	ticketURL := flag.String("ticket-url", "", "Base URL of the helpdesk ticketing API.")
	verbose := flag.Bool("verbose", false, "Enable debug logging.")

	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Entra Tenant Migration Tool v%s\n", version)
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("Entra Tenant Migration Tool v%s\n", version)
		os.Exit(0)
	}

	// --- Configuration Loading & Merging ---
	// Start with default values from the flags themselves.
	config := Config{
		Mode:                 *mode,
		AuthMethod:           *auth,
		SourceTenantID:       *sourceTenant,
		DestTenantID:         *destTenant,
		DestinationDomain:    *domain,
		Entity:               *entity,
		Selection:            *selection,
		DeleteAfterMigration: *deleteAfter,
		CollisionCheck:       *collisionCheck,
		VerifyAttempts:       *verifyAttempts,
		VerifyDelaySeconds:   *verifyDelay,
		AuditDB:              *auditDB,
		BatchID:              *batchID,
		Guest:                *guest,
		GroupIDs:             *groupIDs,
		TicketURL:            *ticketURL,
		Verbose:              *verbose,
		SMTPPort:             587,
	}

	// Load from config file if provided. This overwrites the defaults.
	if *configFilePath != "" {
		file, err := os.ReadFile(*configFilePath)
		if err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		if err := json.Unmarshal(file, &config); err != nil {
			return Config{}, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	// Load from environment variables. These overwrite file values but not flags.
	if val, ok := os.LookupEnv("TENANT_ID"); ok {
		config.TenantID = val
	}
	if val, ok := os.LookupEnv("CLIENT_ID"); ok {
		config.ClientID = val
	}
	if val, ok := os.LookupEnv("CLIENT_SECRET"); ok {
		config.ClientSecret = val
	}
	if val, ok := os.LookupEnv("TICKET_TOKEN"); ok {
		config.TicketToken = val
	}
	if val, ok := os.LookupEnv("SMTP_USERNAME"); ok {
		config.SMTPUsername = val
	}
	if val, ok := os.LookupEnv("SMTP_PASSWORD"); ok {
		config.SMTPPassword = val
	}

	// Re-apply any flags that were set on the command line to override the
	// config file/env vars.
	isSet := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		isSet[f.Name] = true
	})

	if isSet["mode"] {
		config.Mode = *mode
	}
	if isSet["auth"] {
		config.AuthMethod = *auth
	}
	if isSet["source-tenant"] {
		config.SourceTenantID = *sourceTenant
	}
	if isSet["dest-tenant"] {
		config.DestTenantID = *destTenant
	}
	if isSet["domain"] {
		config.DestinationDomain = *domain
	}
	if isSet["entity"] {
		config.Entity = *entity
	}
	if isSet["select"] {
		config.Selection = *selection
	}
	if isSet["delete-after"] {
		config.DeleteAfterMigration = *deleteAfter
	}
	if isSet["collision-check"] {
		config.CollisionCheck = *collisionCheck
	}
	if isSet["verify-attempts"] {
		config.VerifyAttempts = *verifyAttempts
	}
	if isSet["verify-delay"] {
		config.VerifyDelaySeconds = *verifyDelay
	}
	if isSet["audit-db"] {
		config.AuditDB = *auditDB
	}
	if isSet["batch"] {
		config.BatchID = *batchID
	}
	if isSet["guest"] {
		config.Guest = *guest
	}
	if isSet["groups"] {
		config.GroupIDs = *groupIDs
	}
	if isSet["ticket-url"] {
		config.TicketURL = *ticketURL
	}
	if isSet["verbose"] {
		config.Verbose = *verbose
	}

	return config, validate(config)
}

func validate(config Config) error {
	switch config.Mode {
	case "migrate", "provision", "report", "healthcheck":
	default:
		return fmt.Errorf("invalid mode: %s. Must be 'migrate', 'provision', 'report' or 'healthcheck'", config.Mode)
	}

	if config.Mode == "report" {
		// Report mode reads only the local audit database.
		return nil
	}

	if config.AuthMethod != "interactive" && config.AuthMethod != "clientid" {
		return fmt.Errorf("invalid auth method: %s. Must be 'interactive' or 'clientid'", config.AuthMethod)
	}
	if config.AuthMethod == "clientid" {
		if config.ClientID == "" {
			return fmt.Errorf("CLIENT_ID must be set via config file or environment variable for clientid auth")
		}
		if config.ClientSecret == "" {
			return fmt.Errorf("CLIENT_SECRET must be set via config file or environment variable for clientid auth")
		}
	}

	switch config.Mode {
	case "migrate":
		if config.AuthMethod == "clientid" && (config.SourceTenantID == "" || config.DestTenantID == "") {
			return fmt.Errorf("--source-tenant and --dest-tenant are required for clientid auth")
		}
		if config.Entity != "users" && config.Entity != "groups" && config.Entity != "files" {
			return fmt.Errorf("invalid entity: %s. Must be 'users', 'groups' or 'files'", config.Entity)
		}
		if config.Entity == "files" && config.Selection != "" {
			return fmt.Errorf("file content transfer is not supported; --select cannot be combined with --entity files")
		}
		if config.Selection != "" && config.DestinationDomain == "" {
			return fmt.Errorf("--domain is required when migrating a selection")
		}
		if config.CollisionCheck != "scan" && config.CollisionCheck != "filter" {
			return fmt.Errorf("invalid collision-check: %s. Must be 'scan' or 'filter'", config.CollisionCheck)
		}
		if config.VerifyAttempts < 1 {
			return fmt.Errorf("verify-attempts must be at least 1")
		}
		if config.VerifyDelaySeconds < 0 {
			return fmt.Errorf("verify-delay cannot be negative")
		}
	case "provision":
		if config.TicketURL == "" {
			return fmt.Errorf("--ticket-url is required for provision mode")
		}
		if config.TicketToken == "" {
			return fmt.Errorf("TICKET_TOKEN must be set via config file or environment variable for provision mode")
		}
		if config.SMTPHost != "" && (config.SMTPUsername == "" || config.SMTPPassword == "") {
			return fmt.Errorf("SMTP_USERNAME and SMTP_PASSWORD must be set when an SMTP host is configured")
		}
	}

	return nil
}
