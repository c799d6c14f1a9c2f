// Package config loads the daemon's settings from an optional YAML
// file plus environment-variable overrides, producing the typed
// Config structs every other package expects to be handed from
// outside. A flat KEY=VALUE env layer overrides a structured YAML
// document (gopkg.in/yaml.v3) so a deployed daemon never needs a file
// on disk at all.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/approval"
	"github.com/kbpersonal/agentbridge/companion"
	"github.com/kbpersonal/agentbridge/mcp"
	"github.com/kbpersonal/agentbridge/orchestrator"
	"github.com/kbpersonal/agentbridge/policy"
)

// mcpLiveDiscoveryTimeout bounds how long config load waits on a single
// MCP server's handshake plus tools/list before falling back to its
// static registry description.
const mcpLiveDiscoveryTimeout = 3 * time.Second

// envPrefix is prepended to every environment-variable override key.
const envPrefix = "AGENTBRIDGE_"

// Config is the root of the daemon's configuration. Fields map
// roughly one-to-one onto the typed Config structs each package
// exposes (policy.Config, orchestrator.Config, companion.Config),
// plus the settings that belong to no single package (channel
// enablement, connector command line, admin HTTP).
type Config struct {
	Home string `yaml:"home"`

	SendersAllow []string `yaml:"senders_allow"`
	OwnerSender  string   `yaml:"owner_sender"`
	SuppressSelf bool     `yaml:"suppress_self"`
	PrefixMode   bool     `yaml:"prefix_mode"`
	ChatPrefix   string   `yaml:"chat_prefix"`
	TriggerTag   string   `yaml:"trigger_tag"`
	RateWindow   Duration `yaml:"rate_window"`
	RateMax      int      `yaml:"rate_max"`

	ChannelsEnabled []string `yaml:"channels_enabled"`

	ChatDBPath         string   `yaml:"chat_db_path"`
	ChatSelfHandle     string   `yaml:"chat_self_handle"`
	MailMaxAge         Duration `yaml:"mail_max_age"`
	MailFrom           string   `yaml:"mail_from"`
	RemindersList      string   `yaml:"reminders_list"`
	RemindersArchive   string   `yaml:"reminders_archive_list"`
	NotesFolder        string   `yaml:"notes_folder"`
	CalendarName       string   `yaml:"calendar_name"`
	CalendarLookahead  Duration `yaml:"calendar_lookahead"`
	ScriptingTimeout   Duration `yaml:"scripting_timeout"`

	ConnectorCommand string   `yaml:"connector_command"`
	ConnectorArgs    []string `yaml:"connector_args"`
	SandboxEnabled   bool     `yaml:"sandbox_enabled"`

	// MCPServers names entries in mcp.DefaultRegistry the connector
	// subprocess should be told about via its ToolsContext prompt
	// section. Ordinarily the daemon only advertises the registry's
	// static description — the connector CLI (e.g. claude) owns its own
	// MCP client and does the actual tool calling — but when
	// MCPLiveDiscovery is set the daemon itself connects to each
	// configured server at config-load time to list its live tool names.
	MCPServers []string `yaml:"mcp_servers"`

	// MCPLiveDiscovery, when true, has the daemon briefly connect to
	// each configured MCP server (stdio handshake + tools/list) to
	// enrich ToolsContext with real tool names instead of the
	// registry's static one-line description. A server that's missing
	// required env, not installed, or slow to answer is skipped
	// silently — config load must never block on a subprocess that
	// isn't there.
	MCPLiveDiscovery bool `yaml:"mcp_live_discovery"`

	SessionHistoryMax   int      `yaml:"session_history_max"`
	MaxContextChars     int      `yaml:"max_context_chars"`
	MemorySnippetChars  int      `yaml:"memory_snippet_chars"`
	MemorySnippetK      int      `yaml:"memory_snippet_k"`
	TurnTimeout         Duration `yaml:"turn_timeout"`
	ApprovalTTL         Duration `yaml:"approval_ttl"`
	CheckpointOnTimeout bool     `yaml:"checkpoint_on_timeout"`
	MaxResumeAttempts   int      `yaml:"max_resume_attempts"`
	FollowUpEnabled     bool     `yaml:"follow_up_enabled"`
	FollowUpDelay       Duration `yaml:"follow_up_delay"`
	FollowUpMaxNudges   int      `yaml:"follow_up_max_nudges"`

	CompanionTickInterval     Duration `yaml:"companion_tick_interval"`
	QuietHoursStart           int      `yaml:"quiet_hours_start"`
	QuietHoursEnd             int      `yaml:"quiet_hours_end"`
	MaxProactivePerHour       int      `yaml:"max_proactive_per_hour"`
	StaleApprovalAfter        Duration `yaml:"stale_approval_after"`
	DailyDigestHour           int      `yaml:"daily_digest_hour"`
	WeeklyReviewWeekday       int      `yaml:"weekly_review_weekday"`
	WeeklyReviewHour          int      `yaml:"weekly_review_hour"`
	CompanionConnectorTimeout Duration `yaml:"companion_connector_timeout"`

	FollowUpInterval Duration `yaml:"follow_up_interval"`

	AmbientTickInterval  Duration `yaml:"ambient_tick_interval"`
	AmbientMaxSummary    int      `yaml:"ambient_max_summary_chars"`

	AdminAddr  string `yaml:"admin_addr"`
	AdminToken string `yaml:"admin_token"`
}

// Duration wraps time.Duration so it can be both YAML-unmarshalled
// from a string ("5m") and overridden from an environment variable
// with the same syntax, rather than a numeric field.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Default returns the hard defaults every field falls back to, built
// from the same constants the consuming packages already default to
// so Load never needs to special-case "unset" vs. "zero".
func Default() Config {
	oc := orchestrator.DefaultConfig()
	cc := companion.DefaultConfig()
	return Config{
		Home:                Home(),
		SuppressSelf:        true,
		PrefixMode:          false,
		ChatPrefix:          "bot:",
		TriggerTag:          "#bridge",
		RateWindow:          Duration{time.Minute},
		RateMax:             20,
		ChannelsEnabled:     []string{"chat"},
		ChatSelfHandle:      "",
		MailMaxAge:          Duration{24 * time.Hour},
		RemindersList:       "Inbox",
		RemindersArchive:    "Archive",
		NotesFolder:         "Bridge",
		CalendarName:        "Calendar",
		CalendarLookahead:   Duration{24 * time.Hour},
		ScriptingTimeout:    Duration{20 * time.Second},
		ConnectorCommand:    "claude",
		SandboxEnabled:      false,
		MCPServers:          nil,
		MCPLiveDiscovery:    false,
		SessionHistoryMax:   oc.SessionHistoryMax,
		MaxContextChars:     oc.MaxContextChars,
		MemorySnippetChars:  oc.MemorySnippetChars,
		MemorySnippetK:      oc.MemorySnippetK,
		TurnTimeout:         Duration{oc.TurnTimeout},
		ApprovalTTL:         Duration{oc.ApprovalTTL},
		CheckpointOnTimeout: oc.CheckpointOnTimeout,
		MaxResumeAttempts:   oc.MaxResumeAttempts,
		FollowUpEnabled:     oc.FollowUpEnabled,
		FollowUpDelay:       Duration{oc.FollowUpDelay},
		FollowUpMaxNudges:   oc.FollowUpMaxNudges,

		CompanionTickInterval:     Duration{cc.TickInterval},
		QuietHoursStart:           cc.QuietHoursStart,
		QuietHoursEnd:             cc.QuietHoursEnd,
		MaxProactivePerHour:       cc.MaxProactivePerHour,
		StaleApprovalAfter:        Duration{cc.StaleApprovalAfter},
		DailyDigestHour:           cc.DailyDigestHour,
		WeeklyReviewWeekday:       int(cc.WeeklyReviewWeekday),
		WeeklyReviewHour:          cc.WeeklyReviewHour,
		CompanionConnectorTimeout: Duration{cc.ConnectorTimeout},

		FollowUpInterval: Duration{30 * time.Second},

		AmbientTickInterval: Duration{10 * time.Minute},
		AmbientMaxSummary:   280,

		AdminAddr: ":7417",
	}
}

// Home returns the daemon's home directory, identical to
// agentbridge.Home (re-exported here so callers that only import
// config don't also need the root package for this one lookup).
func Home() string {
	return agentbridge.Home()
}

// Load builds a Config by starting from Default, applying path (a
// YAML file) if it is non-empty and exists, then applying every
// recognized AGENTBRIDGE_* environment variable on top. A path that
// does not exist is not an error — the daemon runs on defaults plus
// environment alone.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, &agentbridge.ConfigError{Key: path, Reason: err.Error()}
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &agentbridge.ConfigError{Key: path, Reason: err.Error()}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings Evaluate/the run loop cannot safely
// default around.
func (c Config) Validate() error {
	if len(c.SendersAllow) == 0 {
		return &agentbridge.ConfigError{Key: envPrefix + "SENDERS_ALLOW", Reason: "at least one allowed sender is required"}
	}
	if c.ConnectorCommand == "" {
		return &agentbridge.ConfigError{Key: envPrefix + "CONNECTOR_COMMAND", Reason: "must not be empty"}
	}
	if c.RateMax <= 0 {
		return &agentbridge.ConfigError{Key: envPrefix + "RATE_MAX", Reason: "must be positive"}
	}
	return nil
}

// PolicyConfig projects the root Config into the shape policy.Evaluate
// consults. allowed is keyed by NormalizedSender, built once at load
// time since normalization is cheap but should not be redone per
// message.
func (c Config) PolicyConfig() policy.Config {
	allowed := make(map[agentbridge.NormalizedSender]bool, len(c.SendersAllow))
	for _, raw := range c.SendersAllow {
		allowed[agentbridge.Normalize(raw)] = true
	}
	return policy.Config{
		AllowedSenders: allowed,
		SuppressSelf:   c.SuppressSelf,
		PrefixMode:     c.PrefixMode,
		ChatPrefix:     c.ChatPrefix,
		TriggerTag:     c.TriggerTag,
		RateWindow:     c.RateWindow.Duration,
		RateMax:        c.RateMax,
	}
}

// OrchestratorConfig projects the root Config into orchestrator.Config.
func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		SessionHistoryMax:   c.SessionHistoryMax,
		MaxContextChars:     c.MaxContextChars,
		MemorySnippetChars:  c.MemorySnippetChars,
		MemorySnippetK:      c.MemorySnippetK,
		TurnTimeout:         c.TurnTimeout.Duration,
		ApprovalTTL:         c.ApprovalTTL.Duration,
		CheckpointOnTimeout: c.CheckpointOnTimeout,
		MaxResumeAttempts:   c.MaxResumeAttempts,
		FollowUpEnabled:     c.FollowUpEnabled,
		FollowUpDelay:       c.FollowUpDelay.Duration,
		FollowUpMaxNudges:   c.FollowUpMaxNudges,
		DefaultConnector:    "default",
		WorkspacesDir:       agentbridge.WorkspacesPath(),
		ToolsContext:        c.toolsContext(),
	}
}

// toolsContext renders MCPServers into the one-line-per-server summary
// the connector's prompt assembly appends under "Tools available:".
// Unknown registry names are skipped rather than failing config load —
// a typo here should never keep the daemon from starting.
func (c Config) toolsContext() string {
	if len(c.MCPServers) == 0 {
		return ""
	}
	var b strings.Builder
	for _, name := range c.MCPServers {
		entry, ok := mcp.Lookup(name)
		if !ok {
			continue
		}
		desc := entry.Description
		if c.MCPLiveDiscovery {
			if live := liveToolDescription(entry); live != "" {
				desc = live
			}
		}
		fmt.Fprintf(&b, "- %s: %s\n", entry.Name, desc)
	}
	return b.String()
}

// liveToolDescription connects to entry's server and lists its tools,
// returning a description enriched with real tool names in place of
// the registry's static summary. Any failure — missing required env,
// the command not being on PATH, a slow or refused handshake — returns
// "" so the caller falls back to entry.Description.
func liveToolDescription(entry mcp.RegistryEntry) string {
	for _, key := range entry.RequiredEnv {
		if os.Getenv(key) == "" {
			return ""
		}
	}

	client, err := mcp.NewClient(entry.ToServerConfig(nil))
	if err != nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), mcpLiveDiscoveryTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		slog.Warn("mcp live discovery: connect failed", "server", entry.Name, "error", err)
		return ""
	}
	defer client.Close()

	tools, err := client.DiscoverTools(ctx)
	if err != nil || len(tools) == 0 {
		return ""
	}
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return entry.Description + " (tools: " + strings.Join(names, ", ") + ")"
}

// CompanionConfig projects the root Config into companion.Config.
func (c Config) CompanionConfig() companion.Config {
	return companion.Config{
		TickInterval:        c.CompanionTickInterval.Duration,
		QuietHoursStart:     c.QuietHoursStart,
		QuietHoursEnd:       c.QuietHoursEnd,
		MaxProactivePerHour: c.MaxProactivePerHour,
		StaleApprovalAfter:  c.StaleApprovalAfter.Duration,
		DailyDigestHour:     c.DailyDigestHour,
		WeeklyReviewWeekday: time.Weekday(c.WeeklyReviewWeekday),
		WeeklyReviewHour:    c.WeeklyReviewHour,
		ConnectorTimeout:    c.CompanionConnectorTimeout.Duration,
	}
}

// Owner returns the normalized form of the daemon's single owning
// sender — this is a personal daemon, not a multi-tenant service, so
// the companion loop and ambient scanner always act on behalf of
// exactly one person. It is the first entry in SendersAllow unless
// OwnerSender is set explicitly.
func (c Config) Owner() agentbridge.NormalizedSender {
	if c.OwnerSender != "" {
		return agentbridge.Normalize(c.OwnerSender)
	}
	if len(c.SendersAllow) > 0 {
		return agentbridge.Normalize(c.SendersAllow[0])
	}
	return ""
}

// ChannelEnabled reports whether ch appears in ChannelsEnabled.
func (c Config) ChannelEnabled(ch agentbridge.Channel) bool {
	for _, s := range c.ChannelsEnabled {
		if agentbridge.Channel(s) == ch {
			return true
		}
	}
	return false
}

// ApprovalTTLOrDefault returns the TTL approval.NewManager expects.
func (c Config) ApprovalTTLOrDefault() time.Duration {
	if c.ApprovalTTL.Duration <= 0 {
		return approval.DefaultTTL
	}
	return c.ApprovalTTL.Duration
}

func applyEnv(cfg *Config) error {
	if v, ok := lookup("HOME"); ok {
		cfg.Home = v
	}
	if v, ok := lookup("SENDERS_ALLOW"); ok {
		cfg.SendersAllow = splitCSV(v)
	}
	if v, ok := lookup("OWNER_SENDER"); ok {
		cfg.OwnerSender = v
	}
	if v, ok := lookupBool("SUPPRESS_SELF"); ok {
		cfg.SuppressSelf = v
	}
	if v, ok := lookupBool("PREFIX_MODE"); ok {
		cfg.PrefixMode = v
	}
	if v, ok := lookup("CHAT_PREFIX"); ok {
		cfg.ChatPrefix = v
	}
	if v, ok := lookup("TRIGGER_TAG"); ok {
		cfg.TriggerTag = v
	}
	if d, ok, err := lookupDuration("RATE_WINDOW"); err != nil {
		return err
	} else if ok {
		cfg.RateWindow = Duration{d}
	}
	if v, ok := lookupInt("RATE_MAX"); ok {
		cfg.RateMax = v
	}
	if v, ok := lookup("CHANNELS_ENABLED"); ok {
		cfg.ChannelsEnabled = splitCSV(v)
	}
	if v, ok := lookup("CHAT_DB_PATH"); ok {
		cfg.ChatDBPath = v
	}
	if v, ok := lookup("CHAT_SELF_HANDLE"); ok {
		cfg.ChatSelfHandle = v
	}
	if v, ok := lookup("MAIL_FROM"); ok {
		cfg.MailFrom = v
	}
	if v, ok := lookup("REMINDERS_LIST"); ok {
		cfg.RemindersList = v
	}
	if v, ok := lookup("REMINDERS_ARCHIVE_LIST"); ok {
		cfg.RemindersArchive = v
	}
	if v, ok := lookup("NOTES_FOLDER"); ok {
		cfg.NotesFolder = v
	}
	if v, ok := lookup("CALENDAR_NAME"); ok {
		cfg.CalendarName = v
	}
	if v, ok := lookup("CONNECTOR_COMMAND"); ok {
		cfg.ConnectorCommand = v
	}
	if v, ok := lookup("CONNECTOR_ARGS"); ok {
		cfg.ConnectorArgs = splitCSV(v)
	}
	if v, ok := lookupBool("SANDBOX_ENABLED"); ok {
		cfg.SandboxEnabled = v
	}
	if v, ok := lookup("MCP_SERVERS"); ok {
		cfg.MCPServers = splitCSV(v)
	}
	if v, ok := lookupBool("MCP_LIVE_DISCOVERY"); ok {
		cfg.MCPLiveDiscovery = v
	}
	if v, ok := lookupInt("SESSION_HISTORY_MAX"); ok {
		cfg.SessionHistoryMax = v
	}
	if v, ok := lookupInt("MAX_CONTEXT_CHARS"); ok {
		cfg.MaxContextChars = v
	}
	if d, ok, err := lookupDuration("TURN_TIMEOUT"); err != nil {
		return err
	} else if ok {
		cfg.TurnTimeout = Duration{d}
	}
	if d, ok, err := lookupDuration("APPROVAL_TTL"); err != nil {
		return err
	} else if ok {
		cfg.ApprovalTTL = Duration{d}
	}
	if v, ok := lookupBool("CHECKPOINT_ON_TIMEOUT"); ok {
		cfg.CheckpointOnTimeout = v
	}
	if v, ok := lookupBool("FOLLOW_UP_ENABLED"); ok {
		cfg.FollowUpEnabled = v
	}
	if d, ok, err := lookupDuration("FOLLOW_UP_DELAY"); err != nil {
		return err
	} else if ok {
		cfg.FollowUpDelay = Duration{d}
	}
	if v, ok := lookupInt("QUIET_HOURS_START"); ok {
		cfg.QuietHoursStart = v
	}
	if v, ok := lookupInt("QUIET_HOURS_END"); ok {
		cfg.QuietHoursEnd = v
	}
	if v, ok := lookup("ADMIN_ADDR"); ok {
		cfg.AdminAddr = v
	}
	if v, ok := lookup("ADMIN_TOKEN"); ok {
		cfg.AdminToken = v
	}
	return nil
}

func lookup(suffix string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + suffix)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func lookupBool(suffix string) (bool, bool) {
	v, ok := lookup(suffix)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupInt(suffix string) (int, bool) {
	v, ok := lookup(suffix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupDuration(suffix string) (time.Duration, bool, error) {
	v, ok := lookup(suffix)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false, &agentbridge.ConfigError{Key: envPrefix + suffix, Reason: err.Error()}
	}
	return d, true, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
